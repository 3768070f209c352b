package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"secgate/gateway/internal/store"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// downStore behaves like a Redis that cannot be reached.
type downStore struct{}

func down(op string) error { return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, errConnRefused) }

func (downStore) Get(context.Context, string) (string, error) { return "", down("get") }

func (downStore) Set(context.Context, string, string, time.Duration) error { return down("set") }

func (downStore) SetIfExists(context.Context, string, string, time.Duration) (bool, error) {
	return false, down("setxx")
}

func (downStore) Delete(context.Context, string) error { return down("del") }

func (downStore) HIncr(context.Context, string, string, map[string]string, time.Duration) (map[string]string, error) {
	return nil, down("hincrby")
}

func (downStore) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, down("hgetall")
}

func (downStore) SlidingWindow(context.Context, string, string, time.Time, time.Duration, int64) (store.Window, error) {
	return store.Window{}, down("sliding_window")
}

func (downStore) Ping(context.Context) error { return down("ping") }

func mustRe(p string) *regexp.Regexp { return regexp.MustCompile(p) }
