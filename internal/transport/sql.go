package transport

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Defaults for SQLConfig.
const (
	DefaultPollInterval      = 200 * time.Millisecond
	DefaultVisibilityTimeout = 5 * time.Minute
	defaultEventBatch        = 100
)

const (
	channelResult = "result"
	channelStream = "stream"
)

// SQLConfig configures the durable transport.
type SQLConfig struct {
	// PollInterval bounds subscription latency: results and stream updates
	// reach subscribers at most one interval after they are written.
	PollInterval time.Duration
	// VisibilityTimeout is how long a received envelope stays claimed before
	// it is handed to another consumer if it was never acknowledged.
	VisibilityTimeout time.Duration
	Validator         EnvelopeValidator
	Logger            *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// SQLTransport is the durable, multi-instance backend over the store's
// transport tables. Consumers of one role compete: a conditional claim
// update hands each envelope to exactly one of them per visibility window.
// Delivery is at-least-once.
type SQLTransport struct {
	db     *sql.DB
	cfg    SQLConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSQLTransport creates a transport over db, whose schema must already be
// migrated (store.LibSQLStore.Migrate).
func NewSQLTransport(db *sql.DB, cfg SQLConfig) *SQLTransport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SQLTransport{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "sql_transport"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *SQLTransport) nowMs() int64 { return t.cfg.Now().UnixMilli() }

func (t *SQLTransport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}
	return nil
}

func (t *SQLTransport) Publish(ctx context.Context, role schema.Role, env *schema.Envelope) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := checkRole(role); err != nil {
		return err
	}
	raw, err := encodeEnvelope(t.cfg.Validator, env)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO transport_messages (id, role, envelope, created_at) VALUES (?, ?, ?, ?)`,
		env.ID, string(role), string(raw), t.nowMs(),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "envelope %s already published", env.ID)
	}
	return transportErr(err, "publish")
}

// ReceiveNext claims the oldest visible envelope for role.
func (t *SQLTransport) ReceiveNext(ctx context.Context, role schema.Role) (*schema.Envelope, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkRole(role); err != nil {
		return nil, err
	}

	for {
		now := t.nowMs()
		var (
			seq int64
			raw string
		)
		err := t.db.QueryRowContext(ctx,
			`SELECT seq, envelope FROM transport_messages
			 WHERE role = ? AND claimed_until <= ?
			 ORDER BY seq LIMIT 1`,
			string(role), now,
		).Scan(&seq, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, transportErr(err, "receive")
		}

		res, err := t.db.ExecContext(ctx,
			`UPDATE transport_messages
			 SET claimed_until = ?, deliveries = deliveries + 1
			 WHERE seq = ? AND claimed_until <= ?`,
			now+t.cfg.VisibilityTimeout.Milliseconds(), seq, now,
		)
		if err != nil {
			return nil, transportErr(err, "claim")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, transportErr(err, "claim")
		}
		if n == 0 {
			// Another consumer claimed it first.
			continue
		}
		return decodeEnvelope(t.cfg.Validator, []byte(raw))
	}
}

// Ack deletes a received envelope. Acking an unknown id is not an error.
func (t *SQLTransport) Ack(ctx context.Context, role schema.Role, envelopeID string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM transport_messages WHERE id = ? AND role = ?`, envelopeID, string(role))
	return transportErr(err, "ack")
}

func (t *SQLTransport) PublishResult(ctx context.Context, result *schema.TaskResult) error {
	env, err := resultEnvelope(result)
	if err != nil {
		return err
	}
	return t.appendEvent(ctx, channelResult, string(result.Role), env)
}

func (t *SQLTransport) SubscribeResults(ctx context.Context, role schema.Role, handler ResultHandler) (Unsubscribe, error) {
	if err := checkRole(role); err != nil {
		return nil, err
	}
	return t.subscribe(ctx, channelResult, string(role), func(env *schema.Envelope) {
		res, err := decodeResult(env)
		if err != nil {
			t.logger.Warn("dropping undecodable result", "envelope_id", env.ID, "error", err)
			return
		}
		handler(res)
	})
}

func (t *SQLTransport) PublishCancellation(ctx context.Context, taskID string) error {
	if taskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO transport_cancellations (task_id, created_at) VALUES (?, ?)
		 ON CONFLICT(task_id) DO NOTHING`, taskID, t.nowMs())
	return transportErr(err, "publish cancellation")
}

func (t *SQLTransport) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transport_cancellations WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return false, transportErr(err, "is cancelled")
	}
	return n > 0, nil
}

func (t *SQLTransport) PublishStreamUpdate(ctx context.Context, streamID string, update schema.StreamUpdate) error {
	env, err := streamEnvelope(streamID, update)
	if err != nil {
		return err
	}
	return t.appendEvent(ctx, channelStream, streamID, env)
}

func (t *SQLTransport) SubscribeStream(ctx context.Context, streamID string, handler StreamHandler) (Unsubscribe, error) {
	if streamID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "stream id is required")
	}
	return t.subscribe(ctx, channelStream, streamID, func(env *schema.Envelope) {
		up, err := decodeStreamUpdate(env)
		if err != nil {
			t.logger.Warn("dropping undecodable stream update", "envelope_id", env.ID, "error", err)
			return
		}
		handler(up)
	})
}

// QueueDepth counts envelopes waiting for role. Claimed envelopes are not
// counted until their visibility timeout lapses.
func (t *SQLTransport) QueueDepth(ctx context.Context, role schema.Role) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	if err := checkRole(role); err != nil {
		return 0, err
	}
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transport_messages WHERE role = ? AND claimed_until <= ?`,
		string(role), t.nowMs()).Scan(&n)
	if err != nil {
		return 0, transportErr(err, "queue depth")
	}
	return n, nil
}

func (t *SQLTransport) HealthCheck(ctx context.Context) bool {
	if t.checkOpen() != nil {
		return false
	}
	return t.db.PingContext(ctx) == nil
}

// Clear empties every transport table.
func (t *SQLTransport) Clear(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	for _, table := range []string{"transport_messages", "transport_events", "transport_cancellations"} {
		if _, err := t.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return transportErr(err, "clear "+table)
		}
	}
	return nil
}

// PruneEvents deletes result and stream rows, and cancellation flags, older
// than before. Returns the number of rows removed.
func (t *SQLTransport) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	var total int64
	for _, table := range []string{"transport_events", "transport_cancellations"} {
		res, err := t.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", before.UnixMilli())
		if err != nil {
			return total, transportErr(err, "prune "+table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Close stops all subscriptions. The database is owned by the store and
// stays open.
func (t *SQLTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *SQLTransport) appendEvent(ctx context.Context, channel, topic string, env *schema.Envelope) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	raw, err := encodeEnvelope(t.cfg.Validator, env)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO transport_events (channel, topic, envelope, created_at) VALUES (?, ?, ?, ?)`,
		channel, topic, string(raw), t.nowMs())
	return transportErr(err, "publish "+channel)
}

// subscribe starts a polling loop delivering events written after the call.
func (t *SQLTransport) subscribe(ctx context.Context, channel, topic string, deliver func(*schema.Envelope)) (Unsubscribe, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	var cursor int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM transport_events WHERE channel = ? AND topic = ?`,
		channel, topic).Scan(&cursor)
	if err != nil {
		return nil, transportErr(err, "subscribe "+channel)
	}

	subCtx, cancel := context.WithCancel(t.ctx)
	done := make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)

		ticker := time.NewTicker(t.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}
			next, err := t.poll(subCtx, channel, topic, cursor, deliver)
			if err != nil {
				if subCtx.Err() == nil {
					t.logger.Warn("subscription poll failed", "channel", channel, "topic", topic, "error", err)
				}
				continue
			}
			cursor = next
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (t *SQLTransport) poll(ctx context.Context, channel, topic string, cursor int64, deliver func(*schema.Envelope)) (int64, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT seq, envelope FROM transport_events
		 WHERE channel = ? AND topic = ? AND seq > ?
		 ORDER BY seq LIMIT ?`,
		channel, topic, cursor, defaultEventBatch)
	if err != nil {
		return cursor, err
	}

	type row struct {
		seq int64
		raw string
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.raw); err != nil {
			rows.Close()
			return cursor, err
		}
		batch = append(batch, r)
	}
	if err := rows.Close(); err != nil {
		return cursor, err
	}
	if err := rows.Err(); err != nil {
		return cursor, err
	}

	// Deliver after the rows are closed: the pool holds one connection and
	// handlers may publish.
	for _, r := range batch {
		cursor = r.seq
		env, err := decodeEnvelope(t.cfg.Validator, []byte(r.raw))
		if err != nil {
			t.logger.Warn("dropping invalid envelope", "channel", channel, "seq", r.seq, "error", err)
			continue
		}
		deliver(env)
	}
	return cursor, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Transport = (*SQLTransport)(nil)
