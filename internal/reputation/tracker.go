// Package reputation accumulates failed authentication attempts per source IP
// and flags sources that crossed the configured threshold.
package reputation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"secgate/gateway/internal/store"
)

const lastFailureField = "last_failure_at"

// Record is the reputation hash for one IP.
type Record struct {
	IP            string
	Counts        map[string]int64
	Total         int64
	LastFailureAt time.Time
}

// Types returns the failure types in stable order.
func (r Record) Types() []string {
	out := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Tracker struct {
	store     store.CounterStore
	threshold int64
	period    time.Duration
	nowFunc   func() time.Time
}

// New creates a tracker that flags an IP once its summed failures reach
// threshold within a rolling period.
func New(s store.CounterStore, threshold int64, period time.Duration) *Tracker {
	return &Tracker{store: s, threshold: threshold, period: period, nowFunc: time.Now}
}

func (t *Tracker) SetClock(now func() time.Time) { t.nowFunc = now }

func (t *Tracker) Threshold() int64 { return t.threshold }

func key(ip string) string { return store.Key(store.NamespaceReputation, ip) }

// RecordFailure increments the counter for failureType, stamps the failure
// time and refreshes the record's TTL in one store operation. It returns the
// total as it stood right after this failure, so concurrent callers each see
// a distinct total.
func (t *Tracker) RecordFailure(ctx context.Context, ip, failureType string) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	stamp := map[string]string{lastFailureField: strconv.FormatInt(t.nowFunc().UnixMilli(), 10)}
	m, err := t.store.HIncr(ctx, key(ip), failureType, stamp, t.period)
	if err != nil {
		return 0, fmt.Errorf("reputation: record %s: %w", ip, err)
	}
	return parse(ip, m).Total, nil
}

// Crossed reports whether the failure that produced total was the one that
// reached the threshold.
func (t *Tracker) Crossed(total int64) bool {
	return t.threshold > 0 && total >= t.threshold && total-1 < t.threshold
}

// IsSuspicious reports whether ip reached the threshold.
func (t *Tracker) IsSuspicious(ctx context.Context, ip string) (bool, error) {
	if ip == "" || t.threshold <= 0 {
		return false, nil
	}
	rec, err := t.Lookup(ctx, ip)
	if err != nil {
		return false, err
	}
	return rec.Total >= t.threshold, nil
}

// Lookup returns the record for ip (empty record when absent).
func (t *Tracker) Lookup(ctx context.Context, ip string) (Record, error) {
	m, err := t.store.HGetAll(ctx, key(ip))
	if err != nil {
		return Record{}, fmt.Errorf("reputation: lookup %s: %w", ip, err)
	}
	return parse(ip, m), nil
}

func parse(ip string, m map[string]string) Record {
	rec := Record{IP: ip, Counts: make(map[string]int64, len(m))}
	for field, v := range m {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if field == lastFailureField {
			rec.LastFailureAt = time.UnixMilli(n)
			continue
		}
		rec.Counts[field] = n
		rec.Total += n
	}
	return rec
}

// Forgive deletes the record for ip.
func (t *Tracker) Forgive(ctx context.Context, ip string) error {
	if err := t.store.Delete(ctx, key(ip)); err != nil {
		return fmt.Errorf("reputation: forgive %s: %w", ip, err)
	}
	return nil
}
