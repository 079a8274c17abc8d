package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/metrics"
)

const (
	getRecordSQL     = "SELECT conversation,create_time,payload FROM records WHERE id=?"
	insertRecordSQL  = "INSERT INTO records (id,conversation,create_time,payload) VALUES (?,?,?,?)"
	listRecordsSQL   = "SELECT id,create_time,payload FROM records WHERE conversation=? ORDER BY create_time DESC, id DESC LIMIT ?"
	cleanRecordsSQL  = "DELETE FROM records WHERE create_time <= ?"
	mysqlDupKeyError = 1062
)

// mysqlStore implements interface `IRecordStore`, see dev/schema.sql.
type mysqlStore struct {
	*sql.DB
}

func NewMysqlStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		err2 := tx.Rollback()
		if err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *mysqlStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == mysqlDupKeyError
	}
	return false
}

func (s *mysqlStore) Append(ctx context.Context, conversation string, r *message.Record) error {
	defer observe("append", time.Now())

	payload, err := encodePayload(r)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertRecordSQL, r.ID, conversation, r.CreatedAt, payload); err != nil {
			// A duplicate is a redelivered log entry whose commit failed.
			if s.IsDupKeyError(err) {
				var conv, oldPayload string
				var createTime time.Time
				row := tx.QueryRowContext(ctx, getRecordSQL, r.ID)
				if err := row.Scan(&conv, &createTime, &oldPayload); err != nil {
					glog.Errorf("get record error, id: %s, err: %v", r.ID, err)
				} else if conv == conversation && oldPayload == payload &&
					createTime.UnixNano()/1e6 == r.CreatedAt.UnixNano()/1e6 { // equals
					glog.V(5).Infof("record %s already saved", r.ID)
					return nil
				}
			}
			return err
		}
		return nil
	})
}

func (s *mysqlStore) List(ctx context.Context, conversation string, limit int32) ([]*message.Record, error) {
	defer observe("list", time.Now())

	var out []*message.Record
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, listRecordsSQL, conversation, limit)
		if err != nil {
			glog.Errorf("list records query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id, payload string
			var t time.Time
			if err := rows.Scan(&id, &t, &payload); err != nil {
				glog.Errorf("list records scan err: %v", err)
				return err
			}
			r, err := decodePayload(id, t, payload)
			if err != nil {
				// skip, never block the whole conversation on one bad row.
				glog.Errorf("list records: %v", err)
				continue
			}
			out = append(out, r)
		}
		return rows.Err()
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *mysqlStore) DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error) {
	defer observe("delete", time.Now())

	// Max value of create_time to match.
	lteCreateTime := GetDayBefore(ttlDays)
	var numDeleted int32

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, cleanRecordsSQL, lteCreateTime)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		numDeleted = int32(n)
		return nil
	}); err != nil {
		return 0, err
	}
	return numDeleted, nil
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
