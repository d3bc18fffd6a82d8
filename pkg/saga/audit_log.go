// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package saga

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var auditLogMu sync.Mutex

// AppendAuditLog appends one scope audit as a JSON line to
// <dir>/saga_audit.log. Best-effort: the audit trail must never fail a
// pipeline run, so write errors are swallowed. Format per line:
// RFC3339 timestamp, a space, the JSON-encoded Audit.
func AppendAuditLog(dir string, audit Audit) {
	if dir == "" {
		return
	}
	auditLogMu.Lock()
	defer auditLogMu.Unlock()
	if err := os.MkdirAll(dir, 0750); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "saga_audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return
	}
	payload, err := json.Marshal(audit)
	if err != nil {
		_ = f.Close()
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), payload)
	_, _ = f.WriteString(line)
	_ = f.Close()
}
