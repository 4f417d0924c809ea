package store

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strconv"
    "time"

    redis "github.com/redis/go-redis/v9"

    "github.com/local/pdfocr/internal/history"
    "github.com/local/pdfocr/internal/task"
)

// RedisHistory keeps history records in redis: a hash task:<id>:meta with
// the record minus its pages, one hash task:<id>:page:<n> per page, and a
// sorted set tasks:index scored by update time.
type RedisHistory struct {
    client *redis.Client
    keyNS  string
    index  string
}

var _ history.Store = (*RedisHistory)(nil)

func NewRedisHistory(redisURL string) (*RedisHistory, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil { return nil, err }
    c := redis.NewClient(opt)
    if err := c.Ping(context.Background()).Err(); err != nil {
        _ = c.Close()
        return nil, err
    }
    return &RedisHistory{client: c, keyNS: "task", index: "tasks:index"}, nil
}

func (s *RedisHistory) metaKey(id string) string { return fmt.Sprintf("%s:%s:meta", s.keyNS, id) }

func (s *RedisHistory) pageKey(id string, page int) string {
    return fmt.Sprintf("%s:%s:page:%d", s.keyNS, id, page)
}

func (s *RedisHistory) Close() error { return s.client.Close() }

// Ping lets the status checker probe the connection.
func (s *RedisHistory) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisHistory) Save(ctx context.Context, r history.Record) error {
    id := r.Task.ID
    if id == "" { return task.Invalid("task_id", "empty") }
    pages := r.Task.Pages
    r.Task = r.Task.Clone()
    r.Task.Pages = nil
    b, err := json.Marshal(r)
    if err != nil { return err }

    // stale page hashes from a longer previous result must go
    prev, _ := s.client.HGet(ctx, s.metaKey(id), "pages").Int()

    _, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
        p.HSet(ctx, s.metaKey(id), map[string]interface{}{
            "record":  string(b),
            "status":  string(r.Task.Status),
            "updated": r.UpdatedAt.Format(time.RFC3339Nano),
            "pages":   len(pages),
        })
        for i, pg := range pages {
            pb, err := json.Marshal(pg)
            if err != nil { return err }
            p.HSet(ctx, s.pageKey(id, i), map[string]interface{}{
                "page":   string(pb),
                "text":   pg.Text(),
                "source": string(pg.Source),
            })
        }
        for i := len(pages); i < prev; i++ {
            p.Del(ctx, s.pageKey(id, i))
        }
        p.ZAdd(ctx, s.index, redis.Z{Score: float64(r.UpdatedAt.UnixNano()), Member: id})
        return nil
    })
    return err
}

func (s *RedisHistory) Get(ctx context.Context, id string) (history.Record, error) {
    res, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
    if err != nil { return history.Record{}, err }
    if len(res) == 0 || res["record"] == "" {
        return history.Record{}, fmt.Errorf("%w: history %s", task.ErrNotFound, id)
    }
    var r history.Record
    if err := json.Unmarshal([]byte(res["record"]), &r); err != nil {
        return history.Record{}, fmt.Errorf("decode %s: %w", s.metaKey(id), err)
    }
    n, _ := strconv.Atoi(res["pages"])
    if n == 0 { return r, nil }

    cmds := make([]*redis.StringCmd, n)
    _, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
        for i := 0; i < n; i++ {
            cmds[i] = p.HGet(ctx, s.pageKey(id, i), "page")
        }
        return nil
    })
    if err != nil && err != redis.Nil { return history.Record{}, err }
    r.Task.Pages = make([]task.Page, 0, n)
    for i, c := range cmds {
        v, err := c.Result()
        if err != nil {
            return history.Record{}, fmt.Errorf("page %d of %s: %w", i, id, err)
        }
        var pg task.Page
        if err := json.Unmarshal([]byte(v), &pg); err != nil {
            return history.Record{}, fmt.Errorf("decode page %d of %s: %w", i, id, err)
        }
        r.Task.Pages = append(r.Task.Pages, pg)
    }
    return r, nil
}

// List walks the index newest first; ids whose record vanished are pruned.
func (s *RedisHistory) List(ctx context.Context) ([]history.Record, error) {
    ids, err := s.client.ZRevRange(ctx, s.index, 0, -1).Result()
    if err != nil { return nil, err }
    out := make([]history.Record, 0, len(ids))
    for _, id := range ids {
        r, err := s.Get(ctx, id)
        if err != nil {
            if errors.Is(err, task.ErrNotFound) {
                s.client.ZRem(ctx, s.index, id)
                continue
            }
            return nil, err
        }
        out = append(out, r)
    }
    history.SortRecords(out)
    return out, nil
}

func (s *RedisHistory) Delete(ctx context.Context, id string) error {
    n, _ := s.client.HGet(ctx, s.metaKey(id), "pages").Int()
    keys := []string{s.metaKey(id)}
    for i := 0; i < n; i++ {
        keys = append(keys, s.pageKey(id, i))
    }
    _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
        p.Del(ctx, keys...)
        p.ZRem(ctx, s.index, id)
        return nil
    })
    return err
}
