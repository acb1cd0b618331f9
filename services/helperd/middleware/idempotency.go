package middleware

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

// IdempotencyHeader names the client-chosen key for a retried request.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses answered from the store.
const ReplayedHeader = "Idempotent-Replayed"

const maxIdempotencyKeyLen = 128

var bucketIdempotency = []byte("idempotency")

// IdempotencyRecord stores the response that answered a key.
type IdempotencyRecord struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ReplayRecorder receives idempotency outcomes.
type ReplayRecorder interface {
	RecordReplay(outcome string)
}

// IdempotencyStore persists responses keyed by caller and Idempotency-Key in
// BoltDB.
type IdempotencyStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// OpenIdempotencyStore opens (creating if needed) the store at path.
func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("idempotency: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("idempotency: init bucket: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

// Get returns the live record for key. Expired records are deleted.
func (s *IdempotencyStore) Get(key string) (IdempotencyRecord, bool, error) {
	var (
		record IdempotencyRecord
		found  bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if s.now().After(record.ExpiresAt) {
			record = IdempotencyRecord{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return record, found, nil
}

// Put stores record under key, stamping its expiry.
func (s *IdempotencyStore) Put(key string, record IdempotencyRecord) error {
	now := s.now()
	record.StoredAt = now
	record.ExpiresAt = now.Add(s.ttl)
	return s.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdempotency).Put([]byte(key), payload)
	})
}

// Prune deletes expired records and returns how many were removed.
func (s *IdempotencyStore) Prune() (int, error) {
	removed := 0
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record IdempotencyRecord
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Fingerprint hashes the parts of a request that must match for a replay.
func Fingerprint(method, path, caller string, body []byte) string {
	hasher := blake3.New(32, nil)
	for _, part := range [][]byte{[]byte(method), []byte(path), []byte(caller)} {
		hasher.Write(part)
		hasher.Write([]byte{0})
	}
	hasher.Write(body)
	return hex.EncodeToString(hasher.Sum(nil))
}

// Idempotency replays stored responses for repeated keys. It must run after
// authentication so keys are scoped to the caller.
type Idempotency struct {
	store        *IdempotencyStore
	recorder     ReplayRecorder
	logger       *slog.Logger
	maxBodyBytes int64

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewIdempotency(store *IdempotencyStore, maxBodyBytes int64, recorder ReplayRecorder, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Idempotency{
		store:        store,
		recorder:     recorder,
		logger:       logger.With(slog.String("component", "idempotency")),
		maxBodyBytes: maxBodyBytes,
		inflight:     make(map[string]struct{}),
	}
}

func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if i == nil || i.store == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			WriteError(w, http.StatusBadRequest, "InvalidRequest", "idempotency key too long")
			return
		}
		caller, err := CallerFromContext(r.Context())
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, i.maxBodyBytes+1))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "InvalidRequest", "read body")
			return
		}
		if int64(len(body)) > i.maxBodyBytes {
			WriteError(w, http.StatusRequestEntityTooLarge, "InvalidRequest", "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		storeKey := caller.String() + "|" + key
		fingerprint := Fingerprint(r.Method, r.URL.Path, caller.String(), body)

		if !i.acquire(storeKey) {
			i.record("in_flight")
			WriteError(w, http.StatusConflict, "IdempotencyConflict", "request with this key is in progress")
			return
		}
		defer i.release(storeKey)

		record, found, err := i.store.Get(storeKey)
		if err != nil {
			i.logger.Error("idempotency lookup failed", slog.String("error", err.Error()))
			WriteError(w, http.StatusInternalServerError, "Internal", "idempotency store unavailable")
			return
		}
		if found {
			if record.Fingerprint != fingerprint {
				i.record("conflict")
				WriteError(w, http.StatusUnprocessableEntity, "IdempotencyConflict", "idempotency key reused with a different request")
				return
			}
			i.record("replayed")
			if record.ContentType != "" {
				w.Header().Set("Content-Type", record.ContentType)
			}
			w.Header().Set(ReplayedHeader, "true")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status >= http.StatusInternalServerError {
			return
		}
		if err := i.store.Put(storeKey, IdempotencyRecord{
			Fingerprint: fingerprint,
			StatusCode:  capture.status,
			ContentType: capture.Header().Get("Content-Type"),
			Body:        capture.buf.Bytes(),
		}); err != nil {
			i.logger.Error("idempotency store failed", slog.String("error", err.Error()))
			return
		}
		i.record("stored")
	})
}

func (i *Idempotency) acquire(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inflight[key]; busy {
		return false
	}
	i.inflight[key] = struct{}{}
	return true
}

func (i *Idempotency) release(key string) {
	i.mu.Lock()
	delete(i.inflight, key)
	i.mu.Unlock()
}

func (i *Idempotency) record(outcome string) {
	if i.recorder != nil {
		i.recorder.RecordReplay(outcome)
	}
}

// responseCapture tees the response so it can be stored.
type responseCapture struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (rc *responseCapture) WriteHeader(status int) {
	if !rc.wroteHeader {
		rc.status = status
		rc.wroteHeader = true
	}
	rc.ResponseWriter.WriteHeader(status)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.wroteHeader = true
	rc.buf.Write(b)
	return rc.ResponseWriter.Write(b)
}
