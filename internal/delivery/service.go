package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hookbot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg      Config
	resolver Resolver
	client   *http.Client
	limiter  *rate.Limiter
	log      logx.Logger
}

func New(cfg Config, resolver Resolver, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
	}
}

// Apply updates runtime knobs (rate, retries). Worker count applies to the
// next Deliver call.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.RequestTimeout > 0 {
		s.client = &http.Client{Timeout: cfg.RequestTimeout}
	}
}

// Deliver resolves targets and posts the payload to each, fanned out over a
// small worker pool. It always returns a Result, even when every target
// fails; the error return is reserved for "channel unusable" (resolver
// failure or cancelled context).
func (s *Service) Deliver(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Explicit ids take precedence over tag fanout when non-empty.
	ids, tags := req.WebhookIDs, req.Tags
	if len(ids) > 0 {
		tags = nil
	}
	targets, err := s.resolver.ResolveWebhooks(ctx, ids, tags)
	if err != nil {
		return Result{}, fmt.Errorf("resolve webhooks: %w", err)
	}
	if len(targets) == 0 {
		s.log.Debug("delivery with no matching targets", logx.Int("ids", len(ids)), logx.Int("tags", len(tags)))
		return Result{}, nil
	}

	body, err := json.Marshal(map[string]any{"content": req.Text})
	if err != nil {
		return Result{}, fmt.Errorf("encode payload: %w", err)
	}

	s.mu.Lock()
	workers := s.cfg.Workers
	retryMax := s.cfg.RetryMax
	s.mu.Unlock()
	if workers <= 0 {
		workers = 4
	}
	if workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan Target)
	results := make(chan TargetResult, len(targets))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for t := range jobs {
				res := TargetResult{TargetID: t.ID, Success: true}
				if err := s.sendOne(ctx, t, body, retryMax); err != nil {
					res.Success = false
					res.Error = err.Error()
					s.log.Warn("webhook delivery failed", logx.String("webhook", t.ID), logx.String("name", t.Name), logx.Err(err))
				}
				results <- res
			}
		}()
	}
	for _, t := range targets {
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := Result{Dispatched: len(targets)}
	for r := range results {
		if !r.Success {
			out.Failed++
		}
		out.PerTarget = append(out.PerTarget, r)
	}
	// Stable ordering for audits and tests.
	sort.Slice(out.PerTarget, func(i, j int) bool { return out.PerTarget[i].TargetID < out.PerTarget[j].TargetID })
	return out, nil
}

func (s *Service) sendOne(ctx context.Context, t Target, body []byte, retryMax int) error {
	s.mu.Lock()
	lim := s.limiter
	client := s.client
	s.mu.Unlock()

	var last error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		if attempt > 0 {
			// Linear backoff between attempts; webhook endpoints that are
			// down rarely recover within milliseconds anyway.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(200+200*attempt) * time.Millisecond):
			}
		}
		last = s.post(ctx, client, t.URL, body)
		if last == nil {
			return nil
		}
	}
	return last
}

func (s *Service) post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
