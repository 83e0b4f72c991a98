package recordings

import (
	"context"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"
)

const (
	presignTTL = 24 * time.Hour

	// directMatchWindow is how far an SBC capture timestamp may sit from
	// the call start for a targeted lookup.
	directMatchWindow = 5 * time.Minute
	// periodMatchWindow is the looser bound used when matching a task
	// against a pre-fetched batch of captures.
	periodMatchWindow = 90 * time.Minute
)

// SBCRecording is one parsed capture file from the SBC bucket.
type SBCRecording struct {
	Key       string
	Timestamp time.Time
	Source    string
	Dest      string
}

// sbcKeyRe matches the capture filename convention
// YYYY-MM-DD-HH-MM-SS_<src>_<dst>_<id>.wav in any key directory.
var sbcKeyRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2})_([^_]+)_([^_]+)_[^_]+\.wav$`)

// ParseSBCKey parses an SBC object key. Returns false for keys that do not
// follow the capture naming convention.
func ParseSBCKey(key string) (SBCRecording, bool) {
	base := path.Base(key)
	m := sbcKeyRe.FindStringSubmatch(base)
	if m == nil {
		return SBCRecording{}, false
	}
	ts, err := time.Parse("2006-01-02-15-04-05", m[1])
	if err != nil {
		return SBCRecording{}, false
	}
	return SBCRecording{Key: key, Timestamp: ts.UTC(), Source: m[2], Dest: m[3]}, true
}

// digitsOnly strips everything but digits from a phone number.
func digitsOnly(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// numbersMatch compares two numbers by digit suffix, tolerating country
// code and formatting differences. Requires at least seven digits.
func numbersMatch(a, b string) bool {
	da, db := digitsOnly(a), digitsOnly(b)
	if len(da) < 7 || len(db) < 7 {
		return false
	}
	if len(da) > len(db) {
		da, db = db, da
	}
	return strings.HasSuffix(db, da)
}

// Resolver walks the recording fallback chain for a call task.
type Resolver struct {
	store     ObjectStore
	hqBucket  string
	sbcBucket string
	sbcPrefix string
	logger    *slog.Logger
}

// NewResolver creates a Resolver over the two archive buckets.
func NewResolver(store ObjectStore, hqBucket, sbcBucket, sbcPrefix string, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		hqBucket:  hqBucket,
		sbcBucket: sbcBucket,
		sbcPrefix: sbcPrefix,
		logger:    logger,
	}
}

// SearchHQ looks the HQ bucket up by call id prefix and returns a presigned
// URL for the newest matching object, or "" when absent.
func (r *Resolver) SearchHQ(ctx context.Context, callID string) (string, error) {
	if callID == "" {
		return "", nil
	}
	objects, err := r.store.List(ctx, r.hqBucket, callID)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", nil
	}
	newest := objects[0]
	for _, obj := range objects[1:] {
		if obj.LastModified.After(newest.LastModified) {
			newest = obj
		}
	}
	return r.store.PresignGet(ctx, r.hqBucket, newest.Key, presignTTL)
}

// SearchSBC scans captures around the call start for one whose destination
// matches the customer number within the direct window.
func (r *Resolver) SearchSBC(ctx context.Context, customerNumber string, callStart time.Time) (string, error) {
	if customerNumber == "" || callStart.IsZero() {
		return "", nil
	}

	// Captures are laid out under date prefixes, so a window spanning
	// midnight needs both days listed.
	prefixes := datePrefixes(r.sbcPrefix, callStart.Add(-directMatchWindow), callStart.Add(directMatchWindow))
	for _, prefix := range prefixes {
		objects, err := r.store.List(ctx, r.sbcBucket, prefix)
		if err != nil {
			return "", err
		}
		for _, obj := range objects {
			rec, ok := ParseSBCKey(obj.Key)
			if !ok {
				continue
			}
			if !numbersMatch(rec.Dest, customerNumber) {
				continue
			}
			if absDuration(rec.Timestamp.Sub(callStart)) > directMatchWindow {
				continue
			}
			return r.store.PresignGet(ctx, r.sbcBucket, rec.Key, presignTTL)
		}
	}
	return "", nil
}

// FetchPeriod lists every parseable capture between from and to, grouped by
// destination number digits. Run-level syncs fetch once and match each task
// against the map instead of listing per task.
func (r *Resolver) FetchPeriod(ctx context.Context, from, to time.Time) (map[string][]SBCRecording, error) {
	byDest := make(map[string][]SBCRecording)
	for _, prefix := range datePrefixes(r.sbcPrefix, from, to) {
		objects, err := r.store.List(ctx, r.sbcBucket, prefix)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			rec, ok := ParseSBCKey(obj.Key)
			if !ok {
				continue
			}
			if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
				continue
			}
			dest := digitsOnly(rec.Dest)
			byDest[dest] = append(byDest[dest], rec)
		}
	}
	return byDest, nil
}

// MatchFromPeriod picks the capture closest to the call start for the given
// number out of a FetchPeriod result, within the period window. Returns ""
// when nothing is close enough.
func (r *Resolver) MatchFromPeriod(ctx context.Context, byDest map[string][]SBCRecording, customerNumber string, callStart time.Time) (string, error) {
	if customerNumber == "" || callStart.IsZero() {
		return "", nil
	}

	var best *SBCRecording
	var bestDelta time.Duration
	for dest, recs := range byDest {
		if !numbersMatch(dest, customerNumber) {
			continue
		}
		for i := range recs {
			delta := absDuration(recs[i].Timestamp.Sub(callStart))
			if delta > periodMatchWindow {
				continue
			}
			if best == nil || delta < bestDelta {
				best = &recs[i]
				bestDelta = delta
			}
		}
	}
	if best == nil {
		return "", nil
	}
	return r.store.PresignGet(ctx, r.sbcBucket, best.Key, presignTTL)
}

// CallRequery re-fetches a call record for its recording URL as the last
// step of the chain.
type CallRequery interface {
	RecordingURL(ctx context.Context, callID string) (string, error)
}

// Resolve walks the full fallback chain: existing task output, the call
// record's inline URL, the HQ archive, the SBC archive, and finally a
// provider requery. The first non-empty URL wins.
func (r *Resolver) Resolve(ctx context.Context, existing, inline, callID, customerNumber string, callStart time.Time, requery CallRequery) (string, error) {
	if existing != "" {
		return existing, nil
	}
	if inline != "" {
		return inline, nil
	}

	if url, err := r.SearchHQ(ctx, callID); err != nil {
		r.logger.Warn("hq recording search failed",
			slog.String("call_id", callID), slog.String("error", err.Error()))
	} else if url != "" {
		return url, nil
	}

	if url, err := r.SearchSBC(ctx, customerNumber, callStart); err != nil {
		r.logger.Warn("sbc recording search failed",
			slog.String("call_id", callID), slog.String("error", err.Error()))
	} else if url != "" {
		return url, nil
	}

	if requery != nil && callID != "" {
		url, err := requery.RecordingURL(ctx, callID)
		if err != nil {
			r.logger.Warn("recording requery failed",
				slog.String("call_id", callID), slog.String("error", err.Error()))
			return "", nil
		}
		return url, nil
	}
	return "", nil
}

// datePrefixes returns the bucket prefixes covering every UTC date between
// from and to inclusive.
func datePrefixes(base string, from, to time.Time) []string {
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	var prefixes []string
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(end) {
		prefixes = append(prefixes, base+day.Format("2006-01-02"))
		day = day.AddDate(0, 0, 1)
	}
	return prefixes
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
