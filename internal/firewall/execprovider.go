package firewall

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ExecConfig configures an ExecProvider.
type ExecConfig struct {
	// SetName is the nftables set holding banned addresses, e.g. "wafguard_banned".
	SetName string
	// Table and Family select the nftables table the set lives in.
	Table  string
	Family string
	// Timeout bounds each invocation of the nft binary.
	Timeout time.Duration
}

const defaultExecTimeout = 5 * time.Second

// ExecProvider enforces bans by shelling out to `nft`, following the
// mercierj-homeport deploy package's exec.CommandContext idiom. It is
// the provider of last resort: no external API, no credentials, just
// a local firewall ruleset the host already has (spec.md §4.3 asks
// for "one implementation per provider" and names no specific
// backend, so a local enforcement path covers self-hosted
// single-node deployments that run no separate edge API).
type ExecProvider struct {
	setName string
	table   string
	family  string
	timeout time.Duration
}

// NewExecProvider builds an ExecProvider from cfg, defaulting the set
// name, table and family to wafguard's own.
func NewExecProvider(cfg ExecConfig) *ExecProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	setName := cfg.SetName
	if setName == "" {
		setName = "wafguard_banned"
	}
	table := cfg.Table
	if table == "" {
		table = "inet"
	}
	family := cfg.Family
	if family == "" {
		family = "filter"
	}
	return &ExecProvider{setName: setName, table: table, family: family, timeout: timeout}
}

// Ban adds ip to the nftables set. Idempotent: nft add element with an
// already-present element is a no-op success.
func (p *ExecProvider) Ban(ctx context.Context, ip, reason string, durationS *int, severity string) (BanResult, error) {
	expr := "add element " + p.table + " " + p.family + " " + p.setName + " { " + ip + " }"
	if err := p.run(ctx, expr); err != nil {
		return BanResult{}, errors.Wrapf(err, "banning %s via nft", ip)
	}
	return BanResult{OK: true, ProviderBanID: ip, Message: "added to " + p.setName}, nil
}

// Unban removes ip from the nftables set. Idempotent: removing an
// absent element is treated as success by inspecting nft's stderr.
func (p *ExecProvider) Unban(ctx context.Context, ip, providerBanID string) (UnbanResult, error) {
	expr := "delete element " + p.table + " " + p.family + " " + p.setName + " { " + ip + " }"
	if err := p.run(ctx, expr); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return UnbanResult{OK: true, Message: "already absent"}, nil
		}
		return UnbanResult{}, errors.Wrapf(err, "unbanning %s via nft", ip)
	}
	return UnbanResult{OK: true, Message: "removed from " + p.setName}, nil
}

// ListBans lists the set's current elements via `nft list set` (plain
// text output, not JSON), scanning the `elements = { ... }` line for
// the comma-separated addresses.
func (p *ExecProvider) ListBans(ctx context.Context) ([]ProviderBan, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "nft", "list", "set", p.table, p.family, p.setName)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrap(err, "listing nft set")
	}

	var bans []ProviderBan
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "elements") {
			continue
		}
		start := strings.IndexByte(line, '{')
		end := strings.LastIndexByte(line, '}')
		if start < 0 || end <= start {
			continue
		}
		for _, field := range strings.Split(line[start+1:end], ",") {
			ip := strings.TrimSpace(field)
			if ip != "" {
				bans = append(bans, ProviderBan{IP: ip})
			}
		}
	}
	return bans, errors.Wrap(scanner.Err(), "scanning nft output")
}

func (p *ExecProvider) run(ctx context.Context, expr string) error {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "nft", expr)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return nil
}
