package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/ingest"
	"github.com/mqy/minichat/objects"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	kafkaGroupId = "minichat"
)

var (
	flagAddr           = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile        = flag.String("pid-file", "minichat.pid", "pid file")
	flagStore          = flag.String("store", "memory", "record store: memory or mysql")
	flagMysqlDsn       = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&loc=UTC&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagKafkaBrokers   = flag.String("kafka-brokers", "", "comma separated kafka brokers, empty to save records directly")
	flagKafkaTopic     = flag.String("kafka-topic", "minichat-records", "kafka topic of accepted records")
	flagRecordTTLDays  = flag.Uint("record-ttl-days", 30, "record TTL in days")
	flagCleanRecords   = flag.Bool("clean-records", true, "delete outdated records periodically")
	flagSnapshotLimit  = flag.Uint("snapshot-limit", 100, "max records per conversation snapshot")
	flagMaxRecordBytes = flag.Uint("max-record-bytes", 4096, "max encoded size of one record")
	flagObjectsDir     = flag.String("objects-dir", "objects", "dir to save uploaded objects")
	flagMaxObjectBytes = flag.Int64("max-object-bytes", objects.DefaultMaxObjectBytes, "max size of one uploaded object")
	flagPublicURL      = flag.String("public-url", "", "externally visible base url, default http://<addr>")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	if err := os.MkdirAll(*flagObjectsDir, 0750); err != nil {
		return errorf("--objects-dir: error create dir `%s`: %v", *flagObjectsDir, err)
	}

	var (
		db          *sql.DB
		recordStore store.IRecordStore
		ping        func(ctx context.Context) error
	)
	if *flagStore == "mysql" {
		var err error
		db, err = sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		recordStore = store.NewMysqlStore(db)
		ping = db.PingContext
	} else {
		recordStore = store.NewMemoryStore()
	}

	glog.Info("minichat server is starting")

	var kafkaBrokers []string
	if *flagKafkaBrokers != "" {
		kafkaBrokers = strings.Split(*flagKafkaBrokers, ",")
	}

	changedC := make(chan []string)
	ingester := ingest.New(&ingest.Config{
		Store:         recordStore,
		KafkaBrokers:  kafkaBrokers,
		KafkaTopic:    *flagKafkaTopic,
		KafkaGroupId:  kafkaGroupId,
		CleanRecords:  *flagCleanRecords,
		TTLDays:       int32(*flagRecordTTLDays),
		ValueMaxBytes: int(*flagMaxRecordBytes) + 256,
	}, changedC)

	hub := ws.NewHub(&auth.Anonymous{}, ws.NewApi(recordStore, ingester, &ws.Conf{
		SnapshotLimit:  int32(*flagSnapshotLimit),
		MaxRecordBytes: int(*flagMaxRecordBytes),
	}))

	publicURL := *flagPublicURL
	if publicURL == "" {
		publicURL = "http://" + *flagAddr
	}

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.Handle(objects.PathPrefix, objects.New(*flagObjectsDir, publicURL, *flagMaxObjectBytes))
	mux.Handle("/healthz", healthHandler(ping))

	srv := newServer(&serverCfg{
		Addr:     *flagAddr,
		Mux:      mux,
		Hub:      hub,
		Ingester: ingester,
		ChangedC: changedC,
	})

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx, stopNotifyChan)

	glog.Infof("minichat server is serving %s, standalone: %v, store: %s", publicURL, ingester.Standalone(), *flagStore)
	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		if stopping {
			glog.Infof("minichat server is already in stop")
			continue
		}
		stopping = true
		glog.Infof("received signal `%s` stopping", sig.String())
		go func() {
			cancel()
			<-stopNotifyChan
			close(stopNotifyChan)
			if db != nil {
				_ = db.Close()
			}
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	glog.Info("minichat server exited")
	return 0
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagObjectsDir == "" {
		return errorf("--objects-dir is required")
	}

	switch *flagStore {
	case "memory":
		if *flagKafkaBrokers != "" {
			return errorf("--kafka-brokers requires --store=mysql")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required.")
		}
	default:
		return errorf("invalid --store `%s`, expect memory or mysql", *flagStore)
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required")
	}

	if *flagCleanRecords {
		if *flagRecordTTLDays < ws.MinTTLDays || *flagRecordTTLDays > ws.MaxTTLDays {
			return errorf("invalid --record-ttl-days, expect in range [%d, %d]", ws.MinTTLDays, ws.MaxTTLDays)
		}
	}

	if *flagSnapshotLimit < ws.MinSnapshotLimit || *flagSnapshotLimit > ws.MaxSnapshotLimit {
		return errorf("invalid --snapshot-limit, expect in range [%d, %d]", ws.MinSnapshotLimit, ws.MaxSnapshotLimit)
	}
	if *flagMaxRecordBytes < 256 {
		return errorf("--max-record-bytes MUST be at least 256")
	}
	if *flagMaxObjectBytes <= 0 {
		return errorf("--max-object-bytes is required positive integer")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
