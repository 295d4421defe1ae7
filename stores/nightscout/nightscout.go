package nightscoutstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/time/rate"
)

const userAgent = "nightscout-uam/0.1"

var (
	ErrAccessDenied     = errors.New("nsstore: permission denied")
	ErrUnexpectedStatus = errors.New("nsstore: unexpected response status")
	ErrAPIDisabled      = errors.New("nsstore: remote api is not enabled")
	ErrNoProfile        = errors.New("nsstore: remote has no usable profile")
)

type NightscoutConfig struct {
	URL       *url.URL
	Token     string
	APISecret string
	// RequestInterval paces requests to the remote; zero uses 200ms.
	RequestInterval time.Duration
	HTTPClient      *http.Client
}

type NightscoutStore struct {
	URL        *url.URL
	Token      string
	SecretHash string
	BatchSize  int

	client  *http.Client
	limiter *rate.Limiter
}

// ParseURL accepts a nightscout base url with or without scheme.
func ParseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: nightscout url is empty", models.ErrValidation)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: nightscout url: %s", models.ErrValidation, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: nightscout url %q has no host", models.ErrValidation, raw)
	}
	return u, nil
}

func (cfg NightscoutConfig) String() string {
	host := ""
	if cfg.URL != nil {
		host = cfg.URL.Host
	}
	return fmt.Sprintf("host=%s hasToken=%t hasSecret=%t", host, cfg.Token != "", cfg.APISecret != "")
}

// SecretHash is the sha1 hex digest nightscout expects in the api-secret
// header.
func (cfg NightscoutConfig) SecretHash() string {
	if cfg.APISecret == "" {
		return ""
	}
	h := sha1.New()
	h.Write([]byte(cfg.APISecret))
	return hex.EncodeToString(h.Sum(nil))
}

func New(cfg NightscoutConfig) *NightscoutStore {
	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NightscoutStore{
		URL:        cfg.URL,
		Token:      cfg.Token,
		SecretHash: cfg.SecretHash(),
		BatchSize:  5000,
		client:     client,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
	}
}

type nsStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIEnabled bool   `json:"apiEnabled"`
}

// CheckStatus verifies the remote is up and serves the REST api.
func (b *NightscoutStore) CheckStatus(ctx context.Context) error {
	var status nsStatus
	if err := b.getJSON(ctx, []string{"api", "v1", "status.json"}, nil, &status); err != nil {
		return fmt.Errorf("cannot CheckStatus: %w", err)
	}
	if status.Status != "ok" {
		return fmt.Errorf("%w: status %q", ErrUnexpectedStatus, status.Status)
	}
	if !status.APIEnabled {
		return ErrAPIDisabled
	}
	slogctx.FromCtx(ctx).Debug("nightscout status ok",
		slog.String("name", status.Name),
		slog.String("version", status.Version),
	)
	return nil
}

type nsEntry struct {
	Oid     string  `json:"_id"`  // mongo object id [0-9a-f]{24} eg "67261314d689f977f773bc19"
	Type    string  `json:"type"` // "sgv"
	Date    int64   `json:"date"` // ms since epoch
	SgvMgdl float64 `json:"sgv"`
}

// FetchEntries fetches sgv entries in [from, to), oldest first. Nightscout
// serves newest first, so batches are walked backwards from to.
func (b *NightscoutStore) FetchEntries(ctx context.Context, from, to time.Time) ([]models.GlucoseSample, error) {
	maxBatches := 100 // just in case something _weird_ happens, don't keep hammering remote server
	log := slogctx.FromCtx(ctx)

	var samples []models.GlucoseSample
	upper := to
	for i := 0; i < maxBatches; i++ {
		q := url.Values{}
		q.Set("count", strconv.Itoa(b.BatchSize))
		q.Set("find[date][$gte]", strconv.FormatInt(from.UnixMilli(), 10))
		q.Set("find[date][$lt]", strconv.FormatInt(upper.UnixMilli(), 10))

		var batch []nsEntry
		if err := b.getJSON(ctx, []string{"api", "v1", "entries", "sgv.json"}, q, &batch); err != nil {
			return nil, fmt.Errorf("cannot FetchEntries: %w", err)
		}
		for _, e := range batch {
			if e.SgvMgdl <= 0 {
				continue
			}
			samples = append(samples, models.GlucoseSample{Time: time.UnixMilli(e.Date).UTC(), Mgdl: e.SgvMgdl})
		}
		log.Debug("fetched batch of entries", slog.Int("batch", i), slog.Int("numEntries", len(batch)))
		if len(batch) < b.BatchSize {
			break
		}
		// nb using `lt` means entries sharing the boundary millisecond are
		// lost; nightscout dedupes sgv by date so this is rare.
		upper = time.UnixMilli(batch[len(batch)-1].Date)
	}

	slices.SortStableFunc(samples, func(a, c models.GlucoseSample) int { return a.Time.Compare(c.Time) })
	return samples, nil
}

// treatmentTimeLayout is the layout nightscout's careportal writes.
var treatmentTimeLayout = "2006-01-02T15:04:05.000Z"

// FetchTreatments fetches treatments created in [from, to), oldest first.
func (b *NightscoutStore) FetchTreatments(ctx context.Context, from, to time.Time) ([]models.Treatment, error) {
	maxBatches := 100
	log := slogctx.FromCtx(ctx)

	var treatments []models.Treatment
	upper := to
	for i := 0; i < maxBatches; i++ {
		q := url.Values{}
		q.Set("count", strconv.Itoa(b.BatchSize))
		q.Set("find[created_at][$gte]", from.UTC().Format(treatmentTimeLayout))
		q.Set("find[created_at][$lt]", upper.UTC().Format(treatmentTimeLayout))

		var batch []map[string]interface{}
		if err := b.getJSON(ctx, []string{"api", "v1", "treatments.json"}, q, &batch); err != nil {
			return nil, fmt.Errorf("cannot FetchTreatments: %w", err)
		}
		oldest := upper
		for _, doc := range batch {
			t, ok := parseTreatment(doc)
			if !ok {
				log.Warn("skipping treatment without usable time", slog.Any("treatment", doc))
				continue
			}
			treatments = append(treatments, t)
			if t.Time.Before(oldest) {
				oldest = t.Time
			}
		}
		log.Debug("fetched batch of treatments", slog.Int("batch", i), slog.Int("numTreatments", len(batch)))
		if len(batch) < b.BatchSize || !oldest.Before(upper) {
			break
		}
		upper = oldest
	}

	slices.SortStableFunc(treatments, func(a, c models.Treatment) int { return a.Time.Compare(c.Time) })
	return treatments, nil
}

// parseTreatment reads the event time from timestamp, falling back to
// created_at.
func parseTreatment(doc map[string]interface{}) (models.Treatment, bool) {
	var ts time.Time
	for _, key := range []string{"timestamp", "created_at"} {
		switch v := doc[key].(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				ts = parsed
			}
		case float64:
			ts = time.UnixMilli(int64(v))
		}
		if !ts.IsZero() {
			break
		}
	}
	if ts.IsZero() {
		return models.Treatment{}, false
	}

	oid, _ := doc["_id"].(string)
	eventType, _ := doc["eventType"].(string)
	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		switch k {
		case "_id", "created_at", "eventType":
			continue
		}
		fields[k] = v
	}
	return models.Treatment{ID: oid, Time: ts.UTC(), Type: eventType, Fields: fields}, true
}

type nsTimedValue struct {
	Time          string  `json:"time"` // "HH:MM"
	Value         float64 `json:"value"`
	TimeAsSeconds *int    `json:"timeAsSeconds"`
}

type nsProfileStore struct {
	Timezone  string         `json:"timezone"`
	Sens      []nsTimedValue `json:"sens"`
	CarbRatio []nsTimedValue `json:"carbratio"`
	Basal     []nsTimedValue `json:"basal"`
}

type nsProfile struct {
	DefaultProfile string                    `json:"defaultProfile"`
	StartDate      string                    `json:"startDate"`
	Store          map[string]nsProfileStore `json:"store"`
}

// FetchProfile reads the current profile document. The default profile's
// first sensitivity and carb ratio are used; schedules are not supported.
func (b *NightscoutStore) FetchProfile(ctx context.Context) (*models.Profile, error) {
	var docs []nsProfile
	if err := b.getJSON(ctx, []string{"api", "v1", "profile.json"}, nil, &docs); err != nil {
		return nil, fmt.Errorf("cannot FetchProfile: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNoProfile
	}
	doc := docs[0]
	store, ok := doc.Store[doc.DefaultProfile]
	if !ok {
		store, ok = doc.Store["Default"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: no %q or Default store", ErrNoProfile, doc.DefaultProfile)
	}
	return convertProfile(store)
}

func convertProfile(store nsProfileStore) (*models.Profile, error) {
	if len(store.Sens) == 0 || len(store.CarbRatio) == 0 {
		return nil, fmt.Errorf("%w: missing sens or carbratio", ErrNoProfile)
	}
	p := &models.Profile{
		Sensitivity: store.Sens[0].Value,
		CarbRatio:   store.CarbRatio[0].Value,
		Basal:       models.BasalProfile{Timezone: store.Timezone},
	}
	for _, v := range store.Basal {
		start, err := v.startMinute()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoProfile, err)
		}
		p.Basal.Rates = append(p.Basal.Rates, models.BasalRate{Start: start, UnitsPerHour: v.Value})
	}
	slices.SortStableFunc(p.Basal.Rates, func(a, c models.BasalRate) int { return a.Start - c.Start })
	return p, nil
}

func (v nsTimedValue) startMinute() (int, error) {
	if v.TimeAsSeconds != nil {
		return *v.TimeAsSeconds / 60, nil
	}
	t, err := time.Parse("15:04", v.Time)
	if err != nil {
		return 0, fmt.Errorf("cannot parse basal time %q: %w", v.Time, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// UploadTreatments posts treatments to the remote. Fields are written as
// given; ID, Time and Type become _id, created_at and eventType.
func (b *NightscoutStore) UploadTreatments(ctx context.Context, treatments []models.Treatment) error {
	if len(treatments) == 0 {
		return nil
	}
	docs := make([]map[string]interface{}, len(treatments))
	for i, t := range treatments {
		doc := make(map[string]interface{}, len(t.Fields)+3)
		for k, v := range t.Fields {
			doc[k] = v
		}
		if t.ID != "" {
			doc["_id"] = t.ID
		}
		doc["created_at"] = t.Time.UTC().Format(treatmentTimeLayout)
		doc["eventType"] = t.Type
		docs[i] = doc
	}
	body, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("cannot marshal treatments: %w", err)
	}
	if _, err := b.do(ctx, http.MethodPost, []string{"api", "v1", "treatments"}, nil, body); err != nil {
		return fmt.Errorf("cannot UploadTreatments: %w", err)
	}
	slogctx.FromCtx(ctx).Info("uploaded treatments", slog.Int("numTreatments", len(docs)))
	return nil
}

func (b *NightscoutStore) getJSON(ctx context.Context, elems []string, q url.Values, v any) error {
	body, err := b.do(ctx, http.MethodGet, elems, q, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("cannot parse response: %w", err)
	}
	return nil
}

func (b *NightscoutStore) do(ctx context.Context, method string, elems []string, q url.Values, body []byte) ([]byte, error) {
	log := slogctx.FromCtx(ctx)
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *b.URL
	u.Path = path.Join(append([]string{"/", u.Path}, elems...)...)
	if q == nil {
		q = url.Values{}
	}
	if b.Token != "" {
		q.Set("token", b.Token)
	}
	u.RawQuery = q.Encode()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("cannot NewRequestWithContext: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.SecretHash != "" {
		req.Header.Set("api-secret", b.SecretHash)
	}

	res, err := b.client.Do(req)
	if err != nil {
		var dnsError *net.DNSError
		if errors.As(err, &dnsError) {
			log.Info("nightscout DNSError", slog.Any("err", dnsError))
			return nil, fmt.Errorf("remote server NOT FOUND: %w", err)
		}
		return nil, fmt.Errorf("cannot Do req: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, ErrAccessDenied
	case res.StatusCode == http.StatusNotFound:
		return nil, models.ErrNotFound
	case res.StatusCode < 200 || res.StatusCode > 299:
		log.Info("nightscout non-2xx response", slog.Int("code", res.StatusCode), slog.String("path", u.Path))
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, res.StatusCode)
	}
	return resBody, nil
}

func (b *NightscoutStore) IsAccessDeniedErr(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

func (b *NightscoutStore) IsObjNotFoundErr(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
