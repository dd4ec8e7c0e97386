package gatehouse

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix     = "gpt"
	pendingRecordVersion = 1
)

// RedisPendingTokenStore shares pending-login tokens across server replicas.
// Single-use semantics come from GETDEL: the first consumer removes the
// record atomically, later consumers see a miss.
type RedisPendingTokenStore struct {
	redis redis.UniversalClient
	clock Clock
}

// NewRedisPendingTokenStore wraps the given client.
func NewRedisPendingTokenStore(client redis.UniversalClient) *RedisPendingTokenStore {
	return &RedisPendingTokenStore{redis: client, clock: systemClock{}}
}

func (s *RedisPendingTokenStore) key(token string) string {
	return pendingKeyPrefix + ":" + token
}

func (s *RedisPendingTokenStore) Save(ctx context.Context, token string, record PendingToken, ttl time.Duration) error {
	encoded, err := encodePendingToken(&record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingStoreUnavailable, err)
	}
	return nil
}

func (s *RedisPendingTokenStore) Consume(ctx context.Context, token string) (*PendingToken, error) {
	data, err := s.redis.GetDel(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingStoreUnavailable, err)
	}

	record, err := decodePendingToken(data)
	if err != nil {
		return nil, err
	}
	// The key TTL already bounds lifetime; the embedded expiry guards
	// against clock drift between writer and reader.
	if s.clock.Now().Unix() > record.ExpiresAt {
		return nil, ErrPendingTokenInvalid
	}
	return record, nil
}

func encodePendingToken(record *PendingToken) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(pendingRecordVersion)

	if err := binary.Write(&buf, binary.BigEndian, record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("pending token user id length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)

	return buf.Bytes(), nil
}

func decodePendingToken(data []byte) (*PendingToken, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingRecordVersion {
		return nil, errors.New("invalid pending token record version")
	}

	record := &PendingToken{}
	if err := binary.Read(reader, binary.BigEndian, &record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	record.UserID = string(user)

	return record, nil
}
