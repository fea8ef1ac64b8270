// Package analytics computes time-windowed statistics by scatter-gathering
// the write shards of the message table, and serves room and user history.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/roomcast/roomcast/internal/message"
)

const topN = 5

// ShardQuerier reads one write-shard's slice of the time index.
type ShardQuerier interface {
	QueryShard(ctx context.Context, shardID int, start, end string) ([]message.StoredRecord, error)
}

// HistoryQuerier reads per-room and per-user message history.
type HistoryQuerier interface {
	RoomHistory(ctx context.Context, roomID, start, end string) ([]message.StoredRecord, error)
	UserHistory(ctx context.Context, userID, start, end string) ([]message.StoredRecord, error)
}

// RankedEntry is one row of a leaderboard.
type RankedEntry struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Stats summarizes traffic within a window.
type Stats struct {
	WindowStart       string        `json:"windowStart"`
	WindowEnd         string        `json:"windowEnd"`
	TotalMessages     int           `json:"totalMessages"`
	UniqueUsers       int           `json:"uniqueUsers"`
	MessagesPerSecond float64       `json:"messagesPerSecond"`
	TopUsers          []RankedEntry `json:"topUsers"`
	TopRooms          []RankedEntry `json:"topRooms"`
}

// RoomSummary describes one room a user has posted in.
type RoomSummary struct {
	RoomID       string `json:"roomId"`
	MessageCount int    `json:"messageCount"`
	LastActive   string `json:"lastActive"`
}

// Engine answers analytics queries, caching results per exact window so that
// repeated dashboard polls do not re-scan the table.
type Engine struct {
	shards         ShardQuerier
	history        HistoryQuerier
	shardCount     int
	statsCache     *lru.Cache[string, Stats]
	roomCache      *lru.Cache[string, []message.StoredRecord]
	userCache      *lru.Cache[string, []message.StoredRecord]
	userRoomsCache *lru.Cache[string, []RoomSummary]
	logger         *slog.Logger
}

func NewEngine(shards ShardQuerier, history HistoryQuerier, shardCount, cacheSize int, logger *slog.Logger) (*Engine, error) {
	statsCache, err := lru.New[string, Stats](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("stats cache: %w", err)
	}
	roomCache, err := lru.New[string, []message.StoredRecord](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("room cache: %w", err)
	}
	userCache, err := lru.New[string, []message.StoredRecord](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("user cache: %w", err)
	}
	userRoomsCache, err := lru.New[string, []RoomSummary](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("user rooms cache: %w", err)
	}
	return &Engine{
		shards:         shards,
		history:        history,
		shardCount:     shardCount,
		statsCache:     statsCache,
		roomCache:      roomCache,
		userCache:      userCache,
		userRoomsCache: userRoomsCache,
		logger:         logger.With("component", "analytics"),
	}, nil
}

// WindowStats scatter-gathers every shard for the window and merges the
// results. Any single shard failure fails the whole call; partial statistics
// would be silently wrong.
func (e *Engine) WindowStats(ctx context.Context, start, end string) (Stats, error) {
	key := start + "|" + end
	if cached, ok := e.statsCache.Get(key); ok {
		return cached, nil
	}

	perShard := make([][]message.StoredRecord, e.shardCount)
	g, gctx := errgroup.WithContext(ctx)
	for shard := 0; shard < e.shardCount; shard++ {
		g.Go(func() error {
			records, err := e.shards.QueryShard(gctx, shard, start, end)
			if err != nil {
				return fmt.Errorf("shard %d: %w", shard, err)
			}
			perShard[shard] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	var merged []message.StoredRecord
	for _, records := range perShard {
		merged = append(merged, records...)
	}

	stats := computeStats(merged, start, end)
	e.statsCache.Add(key, stats)
	return stats, nil
}

// RoomHistory returns a room's messages in chronological order, cached per
// exact window.
func (e *Engine) RoomHistory(ctx context.Context, roomID, start, end string) ([]message.StoredRecord, error) {
	key := roomID + "|" + start + "|" + end
	if cached, ok := e.roomCache.Get(key); ok {
		return cached, nil
	}
	records, err := e.history.RoomHistory(ctx, roomID, start, end)
	if err != nil {
		return nil, err
	}
	e.roomCache.Add(key, records)
	return records, nil
}

// UserHistory returns a user's messages across all rooms, cached per exact
// window.
func (e *Engine) UserHistory(ctx context.Context, userID, start, end string) ([]message.StoredRecord, error) {
	key := userID + "|" + start + "|" + end
	if cached, ok := e.userCache.Get(key); ok {
		return cached, nil
	}
	records, err := e.history.UserHistory(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	e.userCache.Add(key, records)
	return records, nil
}

// RoomsForUser lists the rooms a user has posted in, most recently active
// first.
func (e *Engine) RoomsForUser(ctx context.Context, userID string) ([]RoomSummary, error) {
	if cached, ok := e.userRoomsCache.Get(userID); ok {
		return cached, nil
	}

	records, err := e.history.UserHistory(ctx, userID, "", "")
	if err != nil {
		return nil, err
	}

	byRoom := make(map[string]*RoomSummary)
	var order []string
	for _, rec := range records {
		summary, ok := byRoom[rec.RoomID]
		if !ok {
			summary = &RoomSummary{RoomID: rec.RoomID}
			byRoom[rec.RoomID] = summary
			order = append(order, rec.RoomID)
		}
		summary.MessageCount++
		// RFC 3339 timestamps order lexicographically.
		if rec.Timestamp > summary.LastActive {
			summary.LastActive = rec.Timestamp
		}
	}

	summaries := make([]RoomSummary, 0, len(order))
	for _, roomID := range order {
		summaries = append(summaries, *byRoom[roomID])
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastActive > summaries[j].LastActive
	})
	e.userRoomsCache.Add(userID, summaries)
	return summaries, nil
}

func computeStats(records []message.StoredRecord, start, end string) Stats {
	users := newLeaderboard()
	rooms := newLeaderboard()
	for _, rec := range records {
		users.add(rec.UserID)
		rooms.add(rec.RoomID)
	}

	return Stats{
		WindowStart:       start,
		WindowEnd:         end,
		TotalMessages:     len(records),
		UniqueUsers:       users.size(),
		MessagesPerSecond: throughput(len(records), start, end),
		TopUsers:          users.top(topN),
		TopRooms:          rooms.top(topN),
	}
}

// throughput divides the message count by the window length, with a one
// second floor so degenerate windows cannot inflate the rate.
func throughput(count int, start, end string) float64 {
	startT, err1 := time.Parse(time.RFC3339, start)
	endT, err2 := time.Parse(time.RFC3339, end)
	secs := 1.0
	if err1 == nil && err2 == nil {
		if s := endT.Sub(startT).Seconds(); s > 1 {
			secs = s
		}
	}
	return float64(count) / secs
}

// leaderboard counts occurrences while remembering first-seen order so that
// ties rank deterministically.
type leaderboard struct {
	counts map[string]int
	seen   map[string]int
	next   int
}

func newLeaderboard() *leaderboard {
	return &leaderboard{counts: make(map[string]int), seen: make(map[string]int)}
}

func (l *leaderboard) add(id string) {
	if _, ok := l.counts[id]; !ok {
		l.seen[id] = l.next
		l.next++
	}
	l.counts[id]++
}

func (l *leaderboard) size() int { return len(l.counts) }

func (l *leaderboard) top(n int) []RankedEntry {
	entries := make([]RankedEntry, 0, len(l.counts))
	for id, count := range l.counts {
		entries = append(entries, RankedEntry{ID: id, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return l.seen[entries[i].ID] < l.seen[entries[j].ID]
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
