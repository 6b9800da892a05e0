package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// NotifyListener holds one pooled connection in LISTEN mode on a channel and
// hands every payload to a callback. The connection is re-established after
// failures until the context ends.
type NotifyListener struct {
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
	backoff time.Duration
}

func NewNotifyListener(pool *pgxpool.Pool, channel string, logger zerolog.Logger) (*NotifyListener, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notify channel name: %q", channel)
	}
	return &NotifyListener{
		pool:    pool,
		channel: channel,
		logger:  logger.With().Str("channel", channel).Logger(),
		backoff: time.Second,
	}, nil
}

// Run blocks until ctx is cancelled. onListen, when set, is called each
// time LISTEN takes effect; notifications sent while disconnected are lost.
func (l *NotifyListener) Run(ctx context.Context, handle func(payload string), onListen func()) error {
	for {
		err := l.listen(ctx, handle, onListen)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Err(err).Dur("retry_in", l.backoff).Msg("notify listener disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *NotifyListener) listen(ctx context.Context, handle func(payload string), onListen func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		// A pooled connection must not stay subscribed once returned.
		if !conn.Conn().IsClosed() {
			cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
			_, _ = conn.Exec(cleanup, "UNLISTEN *")
			cancel()
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Info().Msg("listening for notifications")
	if onListen != nil {
		onListen()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		handle(n.Payload)
	}
}

// NotifyTrigger is a row trigger whose function publishes on the channel
// given as the trigger's first argument.
type NotifyTrigger struct {
	Table    string
	Name     string
	Function string
}

// Bind recreates the trigger so that it publishes on channel.
func (t NotifyTrigger) Bind(ctx context.Context, pool *pgxpool.Pool, channel string) error {
	create, err := t.createSQL(channel)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	drop := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s",
		pgx.Identifier{t.Name}.Sanitize(), pgx.Identifier{t.Table}.Sanitize())
	if _, err := tx.Exec(ctx, drop); err != nil {
		return fmt.Errorf("drop trigger %s: %w", t.Name, err)
	}
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("create trigger %s: %w", t.Name, err)
	}
	return tx.Commit(ctx)
}

// Channel returns the channel the installed trigger publishes on.
func (t NotifyTrigger) Channel(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var args []byte
	err := pool.QueryRow(ctx, `
SELECT tgargs FROM pg_trigger
WHERE tgname = $1 AND tgrelid = to_regclass($2) AND NOT tgisinternal`,
		t.Name, t.Table).Scan(&args)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("trigger %s on %s is not installed", t.Name, t.Table)
	}
	if err != nil {
		return "", fmt.Errorf("read trigger %s: %w", t.Name, err)
	}
	return firstTriggerArg(args), nil
}

func (t NotifyTrigger) createSQL(channel string) (string, error) {
	if !channelPattern.MatchString(channel) {
		return "", fmt.Errorf("invalid notify channel name: %q", channel)
	}
	if t.Table == "" || t.Name == "" || t.Function == "" {
		return "", errors.New("notify trigger needs a table, name and function")
	}
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s('%s')",
		pgx.Identifier{t.Name}.Sanitize(),
		pgx.Identifier{t.Table}.Sanitize(),
		pgx.Identifier{t.Function}.Sanitize(),
		channel,
	), nil
}

// firstTriggerArg decodes pg_trigger.tgargs, where each argument ends in a
// NUL byte.
func firstTriggerArg(args []byte) string {
	first, _, _ := bytes.Cut(args, []byte{0})
	return string(first)
}
