// Package ticket allocates human-readable ticket identifiers for support
// conversations and extracts them back out of email subjects.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/nimasrn/support-desk/pkg/redis"
)

var tokenPattern = regexp.MustCompile(`#([A-Za-z0-9-]+)`)

var validPrefix = regexp.MustCompile(`^[A-Za-z0-9-]*$`)

var ErrInvalidPrefix = errors.New("ticket prefix may only contain letters, digits and dashes")

// ReplyTicketNumber derives the ticket of the next admin reply on a thread:
// "{root}-R{n}" where n is one more than the replies already on the thread.
func ReplyTicketNumber(rootTicket string, existingReplyCount int64) string {
	return fmt.Sprintf("%s-R%d", rootTicket, existingReplyCount+1)
}

// ExtractToken returns the first "#TOKEN" found in the subject, without the hash.
func ExtractToken(subject string) string {
	m := tokenPattern.FindStringSubmatch(subject)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Sequencer hands out ticket sequence numbers from redis counters so that
// concurrent replies on the same thread never share a suffix.
type Sequencer struct {
	redis     redis.RedisAdapter
	prefix    string
	rootStart int64
}

func NewSequencer(adapter redis.RedisAdapter, prefix string, rootStart int64) (*Sequencer, error) {
	if !validPrefix.MatchString(prefix) {
		return nil, ErrInvalidPrefix
	}
	return &Sequencer{redis: adapter, prefix: prefix, rootStart: rootStart}, nil
}

func threadKey(threadID string) string {
	return "ticket:thread:" + threadID
}

const rootKey = "ticket:root"

// NextRootTicket returns a fresh ticket number for a new conversation.
func (s *Sequencer) NextRootTicket(ctx context.Context) (string, error) {
	n, err := s.redis.Incr(ctx, rootKey)
	if err != nil {
		return "", fmt.Errorf("allocate root ticket: %w", err)
	}
	return s.prefix + strconv.FormatInt(s.rootStart+n, 10), nil
}

// NextReplySequence returns the sequence number of the next admin reply on the
// thread. The counter is seeded from the stored reply count the first time a
// thread is seen, so numbering continues where the store left off.
func (s *Sequencer) NextReplySequence(ctx context.Context, threadID string, storedReplies int64) (int64, error) {
	key := threadKey(threadID)
	if _, err := s.redis.SetNX(ctx, key, []byte(strconv.FormatInt(storedReplies, 10)), 0); err != nil {
		return 0, fmt.Errorf("seed reply sequence: %w", err)
	}
	n, err := s.redis.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("allocate reply sequence: %w", err)
	}
	return n, nil
}

// ReleaseReplySequence hands seq back when the reply it was issued for was
// never stored. It reports false when a later number has already been issued.
func (s *Sequencer) ReleaseReplySequence(ctx context.Context, threadID string, seq int64) (bool, error) {
	ok, err := s.redis.DecrIfEqual(ctx, threadKey(threadID), seq)
	if err != nil {
		return false, fmt.Errorf("release reply sequence: %w", err)
	}
	return ok, nil
}
