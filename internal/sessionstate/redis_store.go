package sessionstate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRedisKey     = "shelfsync:runs"
	defaultLockPrefix   = "shelfsync:lock:"
	defaultRedisTimeout = 5 * time.Second
	defaultRunTTL       = 7 * 24 * time.Hour
)

// RedisConfig locates a Redis server.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	// Key is the hash holding run snapshots.
	Key     string
	Timeout time.Duration
}

func (c RedisConfig) addr() string {
	port := c.Port
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(c.Host, port)
}

func (c RedisConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultRedisTimeout
	}
	return c.Timeout
}

// redisClient opens one short-lived connection per operation.
type redisClient struct {
	addr     string
	password string
	db       int
	timeout  time.Duration
}

func newRedisClient(cfg RedisConfig) (*redisClient, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	return &redisClient{
		addr:     cfg.addr(),
		password: cfg.Password,
		db:       cfg.DB,
		timeout:  cfg.timeout(),
	}, nil
}

// do sends one command and returns its reply.
func (c *redisClient) do(ctx context.Context, cmd string, args ...string) (interface{}, error) {
	var reply interface{}
	err := c.withConn(ctx, func(conn *redisConn) error {
		if err := conn.send(cmd, args...); err != nil {
			return err
		}
		var err error
		reply, err = conn.read()
		return err
	})
	return reply, err
}

func (c *redisClient) withConn(ctx context.Context, fn func(*redisConn) error) error {
	conn, err := newRedisConn(ctx, c.addr, c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.initialize(c.password, c.db); err != nil {
		return err
	}
	return fn(conn)
}

// RedisStore implements Store on a Redis hash.
type RedisStore struct {
	client *redisClient
	key    string
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.client.do(ctx, "HSET", s.key, snap.RunID, string(data))
	return err
}

func (s *RedisStore) Remove(ctx context.Context, runID string) error {
	_, err := s.client.do(ctx, "HDEL", s.key, runID)
	return err
}

func (s *RedisStore) Get(ctx context.Context, runID string) (Snapshot, bool, error) {
	var snap Snapshot
	reply, err := s.client.do(ctx, "HGET", s.key, runID)
	if err != nil {
		return snap, false, err
	}
	switch v := reply.(type) {
	case nil:
		return snap, false, nil
	case string:
		if err := json.Unmarshal([]byte(v), &snap); err != nil {
			return snap, false, err
		}
		return snap, true, nil
	default:
		return snap, false, fmt.Errorf("unexpected response type %T", v)
	}
}

// List returns every stored snapshot, newest first. Snapshots older than a
// week are pruned on the way.
func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	reply, err := s.client.do(ctx, "HGETALL", s.key)
	if err != nil {
		return nil, err
	}
	snapshots := []Snapshot{}
	arr, ok := reply.([]interface{})
	if !ok {
		return snapshots, nil
	}
	cutoff := time.Now().Add(-defaultRunTTL)
	for i := 0; i+1 < len(arr); i += 2 {
		value, ok := arr[i+1].(string)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(value), &snap); err != nil {
			continue
		}
		if !snap.FinishedAt.IsZero() && snap.FinishedAt.Before(cutoff) {
			_ = s.Remove(ctx, snap.RunID)
			continue
		}
		snapshots = append(snapshots, snap)
	}
	SortNewestFirst(snapshots)
	return snapshots, nil
}

// releaseScript deletes the lock only if the caller still owns it.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RedisLocker implements Locker with SET NX PX, so the lock holds across
// every API replica sharing the Redis instance.
type RedisLocker struct {
	client *redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a Redis-backed Locker whose locks expire after ttl.
func NewRedisLocker(cfg RedisConfig, ttl time.Duration) (*RedisLocker, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, prefix: defaultLockPrefix, ttl: ttl}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	reply, err := l.client.do(ctx, "SET", l.prefix+key, token, "NX", "PX", strconv.FormatInt(l.ttl.Milliseconds(), 10))
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if reply == nil {
		return "", ErrLocked
	}
	return token, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if _, err := l.client.do(ctx, "EVAL", releaseScript, "1", l.prefix+key, token); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

type redisConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func newRedisConn(ctx context.Context, addr string, timeout time.Duration) (*redisConn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	_ = c.SetDeadline(time.Now().Add(timeout))
	return wrapConn(c), nil
}

func wrapConn(c net.Conn) *redisConn {
	return &redisConn{
		conn:   c,
		reader: bufio.NewReader(c),
		writer: bufio.NewWriter(c),
	}
}

func (c *redisConn) initialize(password string, db int) error {
	if password != "" {
		if err := c.send("AUTH", password); err != nil {
			return err
		}
		if _, err := c.read(); err != nil {
			return err
		}
	}
	if db != 0 {
		if err := c.send("SELECT", strconv.Itoa(db)); err != nil {
			return err
		}
		if _, err := c.read(); err != nil {
			return err
		}
	}
	return nil
}

func (c *redisConn) send(cmd string, args ...string) error {
	if _, err := fmt.Fprintf(c.writer, "*%d\r\n", len(args)+1); err != nil {
		return err
	}
	if err := writeBulk(c.writer, strings.ToUpper(cmd)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := writeBulk(c.writer, arg); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func (c *redisConn) read() (interface{}, error) {
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := readLine(c.reader)
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return line, nil
	case '-':
		return nil, errors.New(line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length == -1 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	case '*':
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if count == -1 {
			return nil, nil
		}
		items := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			item, err := c.read()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected redis prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func (c *redisConn) Close() error {
	return c.conn.Close()
}
