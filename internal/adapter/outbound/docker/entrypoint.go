package docker

import (
	"fmt"
	"strings"

	"github.com/DaxxSec/labyrinth/internal/domain/contradiction"
)

// GenerateEntrypoint builds the bash program baked into each session
// container. Structure is fixed: apply contradictions, start the bait
// watcher, optionally enable the L3/L4 hooks, fix permissions, announce
// readiness, exec sshd.
//
// Every contradiction fragment runs in its own subshell with failures
// swallowed. The deception depends on the observable inconsistency, not on
// every fragment landing.
func GenerateEntrypoint(contradictions []contradiction.Contradiction, sessionID string, l3Active bool, proxyIP string) string {
	var b strings.Builder

	writeln := func(lines ...string) {
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}

	writeln(
		"#!/bin/bash",
		"# LABYRINTH — Auto-generated session entrypoint",
		fmt.Sprintf("# Session: %s", sessionID),
		fmt.Sprintf("# Contradictions: %d", len(contradictions)),
		"",
		"set -e",
		"",
		"# Ensure forensics directory",
		"mkdir -p /var/labyrinth/forensics/sessions",
		"",
		"# ── Apply contradictions ──────────────────────────",
	)

	for _, c := range contradictions {
		writeln(fmt.Sprintf("# [%s] %s", c.Name, c.Description))
		for _, cmd := range c.ShellCommands {
			writeln(fmt.Sprintf("( %s ) 2>/dev/null || true", cmd))
		}
		writeln("")
	}

	writeln(
		"# ── Bait file watcher ─────────────────────────────",
		"if [ -f /opt/.labyrinth/bait_watcher.sh ]; then",
		"    /opt/.labyrinth/bait_watcher.sh &",
		"fi",
		"",
	)

	if l3Active {
		proxyURL := fmt.Sprintf("http://%s:8443", proxyIP)
		writeln(
			"# ── Layer 3: BLINDFOLD activation ─────────────────",
			"export LABYRINTH_L3_ACTIVE=1",
			"if [ -f /opt/.labyrinth/blindfold.sh ]; then",
			"    echo 'source /opt/.labyrinth/blindfold.sh && activate_blindfold' >> /home/admin/.bashrc",
			"    echo 'source /opt/.labyrinth/blindfold.sh && activate_blindfold' >> /home/admin/.profile",
			"fi",
			"",
			"# ── Layer 4: PUPPETEER proxy routing ─────────────────",
			fmt.Sprintf("export http_proxy=%s", proxyURL),
			fmt.Sprintf("export https_proxy=%s", proxyURL),
			fmt.Sprintf("export HTTP_PROXY=%s", proxyURL),
			fmt.Sprintf("export HTTPS_PROXY=%s", proxyURL),
			fmt.Sprintf("echo 'export http_proxy=%s' >> /home/admin/.bashrc", proxyURL),
			fmt.Sprintf("echo 'export https_proxy=%s' >> /home/admin/.bashrc", proxyURL),
			fmt.Sprintf("echo 'export HTTP_PROXY=%s' >> /home/admin/.bashrc", proxyURL),
			fmt.Sprintf("echo 'export HTTPS_PROXY=%s' >> /home/admin/.bashrc", proxyURL),
			fmt.Sprintf("echo 'export http_proxy=%s' >> /home/admin/.profile", proxyURL),
			fmt.Sprintf("echo 'export https_proxy=%s' >> /home/admin/.profile", proxyURL),
			fmt.Sprintf("echo 'export HTTP_PROXY=%s' >> /home/admin/.profile", proxyURL),
			fmt.Sprintf("echo 'export HTTPS_PROXY=%s' >> /home/admin/.profile", proxyURL),
			"",
		)
	}

	writeln(
		"# ── Fix permissions ───────────────────────────────",
		"chown -R admin:admin /home/admin 2>/dev/null || true",
		"",
		"# ── Generate SSH host keys ──────────────────────────",
		"ssh-keygen -A 2>/dev/null || true",
		"",
		"# ── Log session start ─────────────────────────────",
		fmt.Sprintf(`echo '{"timestamp": "'$(date -u +%%Y-%%m-%%dT%%H:%%M:%%SZ)'", `+
			`"session_id": "%s", "layer": 2, "event": "container_ready", `+
			`"data": {"contradictions": %d}}' `+
			">> /var/labyrinth/forensics/sessions/${LABYRINTH_SESSION_ID:-unknown}.jsonl",
			sessionID, len(contradictions)),
		"",
		"# ── Start SSH daemon ──────────────────────────────",
		"exec /usr/sbin/sshd -D -e",
	)

	return strings.TrimSuffix(b.String(), "\n")
}
