// Package wake sends a Wake-on-LAN magic packet to a sleeping backup target
// and optionally polls a readiness URL before the job worker invokes the
// engine, so a backup to a REST or SFTP repository hosted on a machine that
// sleeps doesn't fail against a target that hasn't finished booting.
package wake

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/backutil/backutil/internal/config"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Result reports what Wake actually did, so the caller can decide whether
// to proceed with the backup or abort into the Error state.
type Result struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
}

// Client sends the magic packet. Swappable in tests.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// HTTPClient polls the readiness URL. Swappable in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultClient wraps mdlayher/wol for the real network path.
type defaultClient struct{}

func (defaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("creating WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}
	if err := client.Wake(ip.String()+":9", mac); err != nil {
		return fmt.Errorf("sending WOL packet: %w", err)
	}
	return nil
}

// Waker sends magic packets and waits for targets to become reachable.
type Waker struct {
	client     Client
	httpClient HTTPClient
	logger     zerolog.Logger
}

// New creates a Waker that sends real WOL packets over the network.
func New(logger zerolog.Logger) *Waker {
	return &Waker{
		client:     defaultClient{},
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// NewWithClients creates a Waker over custom clients, for tests.
func NewWithClients(logger zerolog.Logger, client Client, httpClient HTTPClient) *Waker {
	return &Waker{client: client, httpClient: httpClient, logger: logger}
}

// Wake sends the magic packet and, if cfg.PollURL is set, blocks until the
// target answers or cfg.Timeout elapses. A non-nil error means the target
// never became usable; the caller transitions the job to Error rather than
// invoking the engine against a target that might still be asleep.
func (w *Waker) Wake(ctx context.Context, cfg config.WakeConfig) (Result, error) {
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		return Result{}, fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
	}

	w.logger.Info().Str("mac", cfg.MACAddress).Str("broadcast", cfg.BroadcastIP).Msg("sending WOL packet")
	if err := w.client.Wake(cfg.BroadcastIP, mac); err != nil {
		return Result{}, err
	}
	result := Result{PacketSent: true}

	if cfg.PollURL == "" {
		result.TargetReady = true
		result.WaitDuration = time.Since(start)
		return result, nil
	}

	if err := w.waitForTarget(ctx, cfg); err != nil {
		result.WaitDuration = time.Since(start)
		return result, err
	}

	if cfg.StabilizeWait > 0 {
		select {
		case <-ctx.Done():
			result.WaitDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(cfg.StabilizeWait):
		}
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)
	w.logger.Info().Dur("duration", result.WaitDuration).Msg("wake target is ready")
	return result, nil
}

func (w *Waker) waitForTarget(ctx context.Context, cfg config.WakeConfig) error {
	deadline := time.Now().Add(cfg.Timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for target at %s", cfg.PollURL)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PollURL, nil)
		if err != nil {
			return fmt.Errorf("building readiness request: %w", err)
		}
		resp, err := w.httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		w.logger.Debug().Err(err).Msg("wake target not ready yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}
