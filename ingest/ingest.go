package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

const (
	storeSendInterval   = 200 * time.Millisecond
	storeCacheTTL       = 2 * time.Second
	storeDeleteInterval = time.Hour

	// a conversation changing faster than this per second is held up to storeCacheTTL.
	maxNotifyFreq = 5

	kafkaReadTimeout = 10 * time.Second

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

type Config struct {
	Store store.IRecordStore

	// Empty brokers means standalone: records are saved directly.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupId string

	CleanRecords  bool
	TTLDays       int32
	ValueMaxBytes int
}

type convChange struct {
	counter   int
	cacheTime time.Time
}

// cache acts as flow controller.
// When there are many unconsumed records in kafka on start, without flow
// control subscribers would be flooded with snapshots.
type cache struct {
	sync.Mutex
	kv       map[string]*convChange
	pushChan chan<- []string
	sending  bool
}

// Ingester consumes accepted records from kafka and inserts them into the
// store. It also periodically deletes outdated records when cleanRecords
// is set. There MUST be exactly one consuming instance per kafka group.
type Ingester struct {
	st            store.IRecordStore
	cleanRecords  bool
	delTTLDays    int32
	valueMaxBytes int
	kafkaReader   IKafkaReader
	kafkaWriter   IKafkaWriter
	wg            sync.WaitGroup
	cache         *cache
}

// New creates an Ingester; changed conversations are sent to pushChan.
func New(cfg *Config, pushChan chan<- []string) *Ingester {
	var reader IKafkaReader
	var writer IKafkaWriter
	if len(cfg.KafkaBrokers) > 0 {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupId,
			Topic:   cfg.KafkaTopic,
			Dialer: &kafka.Dialer{
				Timeout:   kafkaReadTimeout,
				DualStack: true,
			},
		})
		writer = kafka.NewWriter(kafka.WriterConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		})
	}
	return newIngester(cfg.Store, reader, writer, pushChan, cfg.CleanRecords, cfg.TTLDays, cfg.ValueMaxBytes)
}

func newIngester(st store.IRecordStore, kafkaReader IKafkaReader, kafkaWriter IKafkaWriter,
	pushChan chan<- []string, cleanRecords bool, ttlDays int32, valueMaxBytes int) *Ingester {

	var delTTLDays int32 = math.MaxInt32
	if cleanRecords {
		delTTLDays = ttlDays
	}

	return &Ingester{
		st:            st,
		cleanRecords:  cleanRecords,
		delTTLDays:    delTTLDays,
		valueMaxBytes: valueMaxBytes,
		kafkaReader:   kafkaReader,
		kafkaWriter:   kafkaWriter,
		cache:         newCache(pushChan),
	}
}

// Standalone reports whether records bypass kafka.
func (s *Ingester) Standalone() bool {
	return s.kafkaReader == nil
}

// Append accepts r for conversation. In kafka mode it returns once the
// record is in the topic; it is saved and announced by the consume loop.
func (s *Ingester) Append(ctx context.Context, conversation string, r *message.Record) error {
	if s.kafkaWriter != nil {
		if err := publish(ctx, s.kafkaWriter, conversation, r, s.valueMaxBytes); err != nil {
			return err
		}
		metrics.RecordsAppended.Inc()
		return nil
	}

	if err := s.st.Append(ctx, conversation, r); err != nil {
		return err
	}
	metrics.RecordsAppended.Inc()
	s.cache.put(conversation)
	return nil
}

// Run consumes records from kafka: save record and notify listener.
// It may block at reading kafka message.
func (s *Ingester) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("ingest: run enter")

	if s.kafkaReader != nil {
		s.wg.Add(1)
		go s.consumeLoop(ctx)
	}
	s.wg.Add(1)
	go s.sendLoop(ctx)
	if s.cleanRecords {
		s.wg.Add(1)
		go s.deleteLoop(ctx)
	}

	glog.Infof("ingest: ready, standalone: %v", s.Standalone())

	<-ctx.Done()

	glog.Info("ingest: stopping")
	if s.kafkaReader != nil {
		_ = s.kafkaReader.Close() // slow: take about 7s
	}
	if s.kafkaWriter != nil {
		_ = s.kafkaWriter.Close()
	}

	glog.Info("ingest: stop wait")
	s.wg.Wait()

	glog.Info("ingest: stopped")
	stopDoneNotifyC <- struct{}{}
}

// deleteLoop deletes outdated records.
func (s *Ingester) deleteLoop(ctx context.Context) {
	glog.Info("ingest: delete loop enter")

	ticker := time.NewTicker(storeDeleteInterval)
	defer func() {
		ticker.Stop()
		glog.Info("ingest: delete loop exit")
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := s.st.DeleteOutdated(context.Background(), s.delTTLDays)
			if err == nil {
				glog.Infof("ingest: deleted %d outdated records, took %s", n, time.Since(start))
			} else {
				glog.Errorf("ingest: delete outdated records error: %v ", err)
			}
		}
	}
}

func newCache(pushChan chan<- []string) *cache {
	return &cache{
		kv:       make(map[string]*convChange),
		pushChan: pushChan,
	}
}

func (c *cache) put(conversation string) {
	glog.V(7).Infof("ingest: changed: %s", conversation)
	c.Lock()
	if v, ok := c.kv[conversation]; ok {
		v.counter++
	} else {
		c.kv[conversation] = &convChange{
			counter:   1,
			cacheTime: time.Now(),
		}
	}
	c.Unlock()
}

func (c *cache) check(ctx context.Context) {
	c.Lock()
	if c.sending {
		c.Unlock()
		return
	}
	c.sending = true

	var out []string
	for conv, v := range c.kv {
		dur := time.Since(v.cacheTime)
		freq := float64(v.counter) / dur.Seconds()
		if v.counter <= 1 || freq <= maxNotifyFreq || dur > storeCacheTTL {
			glog.V(7).Infof("ingest: will send: %s, freq: %f, dur: %s", conv, freq, dur)
			out = append(out, conv)
			delete(c.kv, conv)
		} else {
			glog.V(7).Infof("ingest: ignore send: %s, freq: %f, dur: %s", conv, freq, dur)
		}
	}
	c.Unlock()

	if len(out) > 0 {
		glog.V(7).Infof("ingest: send: %+v", out)
		select {
		case c.pushChan <- out:
			glog.V(7).Infof("ingest: send done")
		case <-ctx.Done():
		}
	}

	c.Lock()
	c.sending = false
	c.Unlock()
}

// sendLoop try sends changed conversations periodically.
func (s *Ingester) sendLoop(ctx context.Context) {
	glog.Info("ingest: send loop enter")

	ticker := time.NewTicker(storeSendInterval)
	defer func() {
		ticker.Stop()
		glog.Info("ingest: send loop exit")
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cache.check(ctx)
		}
	}
}

func (s *Ingester) consumeLoop(ctx context.Context) {
	glog.Info("ingest: consume loop enter")

	defer func() {
		glog.Info("ingest: consume loop exited")
		s.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("ingest: fetching message ...")
		msg, err := s.kafkaReader.FetchMessage(ctx)
		glog.V(5).Info("ingest: fetch message done")

		if err != nil {
			glog.Errorf("ingest: fetch from kafka err: %v", err)
			if errors.Is(err, context.Canceled) {
				glog.V(5).Info("ingest: fetch was cancelled")
				return
			}
			if !s.wait(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		// nil: bad format or too old, commit and skip.
		entry := s.decodeKafkaMsg(&msg)
		if entry != nil && !s.save(ctx, entry, &sleep) {
			return
		}
		if !s.commit(ctx, msg, &sleep) {
			return
		}
		if entry != nil {
			s.cache.put(entry.Conversation)
		}
	}
}

// save retries until the entry is saved; false when ctx is done.
func (s *Ingester) save(ctx context.Context, e *wire.LogEntry, sleep *time.Duration) bool {
	for {
		glog.V(5).Infof("ingest: saving %s/%s", e.Conversation, e.Record.ID)
		err := s.st.Append(ctx, e.Conversation, e.Record)
		if err == nil {
			*sleep = 0
			return true
		}

		glog.Errorf("ingest: save record err: %v", err)
		if errors.Is(err, context.Canceled) {
			glog.V(5).Info("ingest: save was cancelled")
			return false
		}
		if s.st.IsDupKeyError(err) {
			// A different record under a known id, keep the first one.
			glog.Errorf("ingest: drop conflicting record %s", e.Record.ID)
			return true
		}
		if !s.wait(ctx, sleep) {
			return false
		}
	}
}

func (s *Ingester) commit(ctx context.Context, msg kafka.Message, sleep *time.Duration) bool {
	for {
		err := s.kafkaReader.CommitMessages(ctx, msg)
		if err == nil {
			*sleep = 0
			return true
		}
		// If this message is not committed back, it will be fetched by in next FetchMessage().
		// store.Append() handles this case when gets duplicate key error.
		glog.Errorf("ingest: commit to kafka err: %v", err)
		if errors.Is(err, context.Canceled) {
			glog.V(5).Info("ingest: commit to kafka was cancelled")
			return false
		}
		if !s.wait(ctx, sleep) {
			return false
		}
	}
}

func (s *Ingester) wait(ctx context.Context, sleep *time.Duration) bool {
	backoff(sleep)
	select {
	case <-time.After(*sleep):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

func (s *Ingester) shouldDiscard(msg *kafka.Message) bool {
	return s.delTTLDays > 0 && time.Since(msg.Time) > time.Duration(s.delTTLDays)*24*time.Hour
}

func (s *Ingester) decodeKafkaMsg(msg *kafka.Message) *wire.LogEntry {
	if len(msg.Value) > s.valueMaxBytes {
		glog.Errorf("ingest: kafka value out of limit, msg.Offset: %d, len: %d", msg.Offset, len(msg.Value))
		return nil
	}
	var v wire.LogEntry
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		glog.Errorf("ingest: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if v.Conversation == "" || v.Record == nil || v.Record.ID == "" {
		glog.Errorf("ingest: incomplete kafka msg value: `%s`", msg.Value)
		return nil
	}

	if s.shouldDiscard(msg) {
		glog.Errorf("ingest: ignore incoming message because too old, msg.Offset: %d, msg.Time: %s", msg.Offset, msg.Time)
		return nil
	}

	return &v
}
