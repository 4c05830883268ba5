// Package simulator is an in-process stand-in for the registration authority.
// It speaks the registry's native vocabulary and envelope, validates payloads
// the way the registry does, and advances accepted submissions on a clock so
// status reconciliation can be exercised without the real service.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ossgateway/internal/registry"
	"ossgateway/pkg/platform/httputil"
)

const (
	DefaultCompletionLag = 30 * time.Second
	DefaultRejectRate    = 0.05

	rejectionReason = "Data tidak lengkap atau tidak sesuai kriteria"
)

var (
	nikPattern  = regexp.MustCompile(`^\d{16}$`)
	kbliPattern = regexp.MustCompile(`^\d{5}$`)
)

// HistoryEntry is one entry of riwayatStatus.
type HistoryEntry struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Keterangan string    `json:"keterangan"`
}

// Submission is the simulator's stored view of one application.
type Submission struct {
	TrackingID       string           `json:"trackingId"`
	NIB              *string          `json:"nib"`
	StatusPengajuan  string           `json:"statusPengajuan"`
	AlasanPenolakan  *string          `json:"alasanPenolakan"`
	TanggalPengajuan time.Time        `json:"tanggalPengajuan"`
	TanggalUpdate    time.Time        `json:"tanggalUpdate"`
	DataPemohon      registry.Payload `json:"dataPemohon"`
	RiwayatStatus    []HistoryEntry   `json:"riwayatStatus"`
}

type injectedFailure struct {
	remaining int
	status    int
}

// Simulator is safe for concurrent use.
type Simulator struct {
	mu          sync.Mutex
	submissions map[string]*Submission
	rng         *rand.Rand
	failure     injectedFailure

	now             func() time.Time
	completionLag   time.Duration
	processingAfter time.Duration
	rejectRate      float64
	minLatency      time.Duration
	maxLatency      time.Duration
	logger          *slog.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCompletionLag sets how long after submission an accepted application
// is reported as completed.
func WithCompletionLag(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.completionLag = d
		}
	}
}

// WithProcessingAfter reports accepted applications as processing once d has
// passed. Zero disables the intermediate state.
func WithProcessingAfter(d time.Duration) Option {
	return func(s *Simulator) {
		s.processingAfter = d
	}
}

// WithRejectRate sets the fraction of valid submissions that are rejected.
func WithRejectRate(rate float64) Option {
	return func(s *Simulator) {
		if rate >= 0 && rate <= 1 {
			s.rejectRate = rate
		}
	}
}

// WithLatency delays every submission-route response by a random duration
// in [lo, hi).
func WithLatency(lo, hi time.Duration) Option {
	return func(s *Simulator) {
		if lo >= 0 && hi >= lo {
			s.minLatency, s.maxLatency = lo, hi
		}
	}
}

// WithRand seeds the simulator's randomness.
func WithRand(rng *rand.Rand) Option {
	return func(s *Simulator) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty simulator.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		submissions:   make(map[string]*Submission),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		now:           time.Now,
		completionLag: DefaultCompletionLag,
		rejectRate:    DefaultRejectRate,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register mounts the registry endpoints on r.
func (s *Simulator) Register(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.simulateConditions)
		r.Post("/submissions", s.handleSubmit)
		r.Get("/submissions", s.handleList)
		r.Delete("/submissions", s.handleReset)
		r.Get("/submissions/{trackingId}", s.handleStatus)
		r.Get("/submissions/by-registry-id/{registryId}", s.handleByRegistryID)
	})
}

// Handler returns a router serving the simulator alone.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	s.Register(r)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found", nil)
	})
	return r
}

// FailNext makes the next n submission-route requests answer status.
func (s *Simulator) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = injectedFailure{remaining: n, status: status}
}

// Reset clears all submissions and pending failures.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = make(map[string]*Submission)
	s.failure = injectedFailure{}
}

// Len returns the number of stored submissions.
func (s *Simulator) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

// Validate applies the registry's payload rules and returns the messages in a
// stable order.
func Validate(p registry.Payload) []string {
	var errs []string
	required := []struct {
		name, value string
	}{
		{"pemohonNama", p.ApplicantName},
		{"pemohonNIK", p.ApplicantNIK},
		{"usahaNama", p.BusinessName},
		{"usahaAlamat", p.BusinessAddress},
		{"kbliKode", p.KBLICode},
		{"izinJenis", p.PermitType},
	}
	for _, f := range required {
		if f.value == "" {
			errs = append(errs, f.name+" is required")
		}
	}
	if p.ApplicantNIK != "" && !nikPattern.MatchString(p.ApplicantNIK) {
		errs = append(errs, "pemohonNIK must be 16 digits")
	}
	if p.KBLICode != "" && !kbliPattern.MatchString(p.KBLICode) {
		errs = append(errs, "kbliKode must be 5 digits")
	}
	return errs
}

func (s *Simulator) simulateConditions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.sleep(r.Context()); err != nil {
			return
		}
		if status, failed := s.takeFailure(); failed {
			writeError(w, status, "Simulated registry failure", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Simulator) sleep(ctx context.Context) error {
	if s.maxLatency == 0 {
		return nil
	}
	s.mu.Lock()
	d := s.minLatency
	if spread := s.maxLatency - s.minLatency; spread > 0 {
		d += time.Duration(s.rng.Int63n(int64(spread)))
	}
	s.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) takeFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure.remaining <= 0 {
		return 0, false
	}
	s.failure.remaining--
	return s.failure.status, true
}

func (s *Simulator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"service":   "registry-simulator",
		"version":   "1.0.0",
		"timestamp": s.now().UTC(),
	})
}

func (s *Simulator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	payload, ok := httputil.DecodeJSON[registry.Payload](w, r, s.logger)
	if !ok {
		return
	}
	if errs := Validate(*payload); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", errs)
		return
	}

	s.mu.Lock()
	now := s.now().UTC()
	sub := &Submission{
		TrackingID:       uuid.NewString(),
		TanggalPengajuan: now,
		TanggalUpdate:    now,
		DataPemohon:      *payload,
		RiwayatStatus: []HistoryEntry{{
			Status:     registry.DecisionAccepted.Native(),
			Timestamp:  now,
			Keterangan: "Pengajuan diterima oleh sistem",
		}},
	}
	if s.rng.Float64() < s.rejectRate {
		reason := rejectionReason
		sub.AlasanPenolakan = &reason
		s.transition(sub, registry.DecisionRejected.Native(), reason, now)
	} else {
		nib := fmt.Sprintf("%d", 1_000_000_000_000_000+s.rng.Int63n(9_000_000_000_000_000))
		sub.StatusPengajuan = registry.DecisionAccepted.Native()
		sub.NIB = &nib
	}
	s.submissions[sub.TrackingID] = sub
	resp := submitView(sub)
	s.mu.Unlock()

	s.logger.InfoContext(r.Context(), "simulator accepted submission",
		"tracking_id", sub.TrackingID,
		"status", sub.StatusPengajuan,
	)

	message := "Pengajuan berhasil diterima"
	if sub.NIB == nil {
		message = "Pengajuan ditolak"
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"status":  "success",
		"message": message,
		"data":    resp,
	})
}

func (s *Simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")

	s.mu.Lock()
	sub, ok := s.submissions[trackingID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Tracking ID tidak ditemukan", nil)
		return
	}
	s.advance(sub)
	view := *sub
	view.RiwayatStatus = append([]HistoryEntry(nil), sub.RiwayatStatus...)
	s.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "success", "data": view})
}

func (s *Simulator) handleByRegistryID(w http.ResponseWriter, r *http.Request) {
	registryID := chi.URLParam(r, "registryId")

	s.mu.Lock()
	var found *Submission
	for _, sub := range s.submissions {
		if sub.NIB != nil && *sub.NIB == registryID {
			found = sub
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NIB tidak ditemukan", nil)
		return
	}
	s.advance(found)
	view := *found
	view.RiwayatStatus = append([]HistoryEntry(nil), found.RiwayatStatus...)
	s.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "success", "data": view})
}

type listItem struct {
	TrackingID       string    `json:"trackingId"`
	NIB              *string   `json:"nib"`
	StatusPengajuan  string    `json:"statusPengajuan"`
	PemohonNama      string    `json:"pemohonNama"`
	UsahaNama        string    `json:"usahaNama"`
	TanggalPengajuan time.Time `json:"tanggalPengajuan"`
}

func (s *Simulator) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	items := make([]listItem, 0, len(s.submissions))
	for _, sub := range s.submissions {
		items = append(items, listItem{
			TrackingID:       sub.TrackingID,
			NIB:              sub.NIB,
			StatusPengajuan:  sub.StatusPengajuan,
			PemohonNama:      sub.DataPemohon.ApplicantName,
			UsahaNama:        sub.DataPemohon.BusinessName,
			TanggalPengajuan: sub.TanggalPengajuan,
		})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].TanggalPengajuan.Before(items[j].TanggalPengajuan)
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"total":  len(items),
		"data":   items,
	})
}

func (s *Simulator) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "All submissions cleared",
	})
}

// advance moves an accepted submission forward by age. Caller holds s.mu.
func (s *Simulator) advance(sub *Submission) {
	now := s.now().UTC()
	age := now.Sub(sub.TanggalPengajuan)
	accepted := registry.DecisionAccepted.Native()
	processing := registry.DecisionProcessing.Native()

	if s.processingAfter > 0 && sub.StatusPengajuan == accepted && age > s.processingAfter && age <= s.completionLag {
		s.transition(sub, processing, "Perizinan sedang diproses", now)
	}
	if (sub.StatusPengajuan == accepted || sub.StatusPengajuan == processing) && age > s.completionLag {
		s.transition(sub, registry.DecisionCompleted.Native(), "Perizinan selesai diproses", now)
	}
}

func (s *Simulator) transition(sub *Submission, status, note string, at time.Time) {
	sub.StatusPengajuan = status
	sub.TanggalUpdate = at
	sub.RiwayatStatus = append(sub.RiwayatStatus, HistoryEntry{Status: status, Timestamp: at, Keterangan: note})
}

func submitView(sub *Submission) map[string]any {
	return map[string]any{
		"trackingId":       sub.TrackingID,
		"nib":              sub.NIB,
		"statusPengajuan":  sub.StatusPengajuan,
		"alasanPenolakan":  sub.AlasanPenolakan,
		"tanggalPengajuan": sub.TanggalPengajuan,
	}
}

func writeError(w http.ResponseWriter, status int, message string, errs []string) {
	body := map[string]any{"status": "error", "message": message}
	if errs != nil {
		body["errors"] = errs
	}
	httputil.WriteJSON(w, status, body)
}
