package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/config"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
	"github.com/petro1eum/TrustChain-Agent/internal/trustchain"
)

// runStatusCommand fetches /healthz from a running daemon and prints it.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: trustchaind status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if host, port, splitErr := net.SplitHostPort(addr); splitErr == nil {
		addr = net.JoinHostPort(host, port)
	}
	healthURL := "http://" + addr + "/healthz"

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	fmt.Println()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// runEnqueueCommand inserts a task directly into the store. Intended for
// operators when the daemon is stopped; against a running daemon prefer
// POST /tasks.
func runEnqueueCommand(ctx context.Context, args []string) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: trustchaind enqueue <slug> [payload-json]")
		return 2
	}
	slug := args[0]
	payload := `{"instruction": ""}`
	if len(args) == 2 {
		payload = args[1]
	}
	if !json.Valid([]byte(payload)) {
		fmt.Fprintln(os.Stderr, "payload must be valid JSON")
		return 2
	}

	store, closeStore, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer closeStore()

	taskID, err := store.Enqueue(ctx, slug, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	fmt.Println(taskID)
	return 0
}

// runVerifyCommand walks the trust chain and prints the verification report.
func runVerifyCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: trustchaind verify")
		return 2
	}

	store, closeStore, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer closeStore()

	chain, err := trustchain.New(ctx, trustchain.Config{Store: store})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load chain: %v\n", err)
		return 1
	}
	defer chain.Close()

	report, err := chain.VerifyChain(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if !report.Valid {
		return 1
	}
	return 0
}

// runBackupCommand snapshots the database with VACUUM INTO.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: trustchaind backup [dest]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	dest := ""
	if len(args) == 1 {
		dest = args[0]
	} else {
		if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create backup dir: %v\n", err)
			return 1
		}
		stamp := time.Now().UTC().Format("20060102T150405Z")
		dest = filepath.Join(cfg.BackupDir, fmt.Sprintf("trustchain-%s.db", stamp))
	}
	if _, err := os.Stat(dest); err == nil {
		fmt.Fprintf(os.Stderr, "backup destination already exists: %s\n", dest)
		return 1
	}

	store, closeStore, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer closeStore()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Println(dest)
	return 0
}

func openStore() (*persistence.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := persistence.Open(cfg.DatabasePath, bus.New())
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
