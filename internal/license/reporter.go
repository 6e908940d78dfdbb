// ABOUTME: Daily licensing heartbeat reporting this installation to a remote authority.
// ABOUTME: An explicit rejection truncates the local env file so the gateway fails closed.

package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Options configures the reporter.
type Options struct {
	// CheckURL is the authority's verify endpoint. Empty disables reporting.
	CheckURL string

	// AppURL identifies this installation to the authority.
	AppURL string

	// Key is the site key issued with the installation.
	Key string

	// EnvFile is the local configuration file truncated on rejection.
	EnvFile string
}

type checkRequest struct {
	From string `json:"from"`
	Key  string `json:"key"`
}

type checkResponse struct {
	IsAuthorised string `json:"isauthorised"`
}

// Reporter runs the licensing heartbeat on a daily schedule, independent of
// all session work. It never blocks or fails any other component: check
// errors are logged and dropped.
type Reporter struct {
	opts   Options
	client *http.Client
	cron   *cron.Cron
	logger *slog.Logger
}

// NewReporter creates a Reporter. Call Start to begin the schedule.
func NewReporter(opts Options, logger *slog.Logger) *Reporter {
	return &Reporter{
		opts:   opts,
		client: &http.Client{Timeout: 30 * time.Second},
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules the daily check. Reporting is skipped entirely when no
// check URL or key is configured.
func (r *Reporter) Start() error {
	if r.opts.CheckURL == "" || r.opts.Key == "" {
		r.logger.Info("license reporting disabled")
		return nil
	}

	if _, err := r.cron.AddFunc("@daily", func() { r.Check(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling license check: %w", err)
	}
	r.cron.Start()
	r.logger.Info("license reporting scheduled", "check_url", r.opts.CheckURL)
	return nil
}

// Stop halts the schedule and waits for an in-flight check to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
}

// Check performs one heartbeat. Exposed for startup probes and tests; the
// cron schedule calls it daily.
func (r *Reporter) Check(ctx context.Context) {
	body, err := json.Marshal(checkRequest{From: r.opts.AppURL, Key: r.opts.Key})
	if err != nil {
		r.logger.Warn("encoding license check", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.CheckURL, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("creating license check request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("license check unreachable", "error", err)
		return
	}
	defer resp.Body.Close()

	var result checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		r.logger.Warn("decoding license check response", "error", err)
		return
	}

	if result.IsAuthorised == "reject" {
		r.disable()
	}
}

// disable truncates the env file. Irreversible within the process: the next
// start has no configuration and fails closed.
func (r *Reporter) disable() {
	r.logger.Error("installation rejected by licensing authority, disabling", "env_file", r.opts.EnvFile)
	if r.opts.EnvFile == "" {
		return
	}
	if err := os.WriteFile(r.opts.EnvFile, nil, 0o600); err != nil {
		r.logger.Error("truncating env file", "error", err)
	}
}
