// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package zaplog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/grailbio/base/log"
	"github.com/grailbio/testutil/expect"
)

type entry struct {
	Level  string `json:"level"`
	Msg    string `json:"msg"`
	Caller string `json:"caller"`
}

func decode(t *testing.T, b *bytes.Buffer) []entry {
	t.Helper()
	var entries []entry
	for _, line := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestOutputter(t *testing.T) {
	var b bytes.Buffer
	o := NewJSON(&b, log.Info)
	expect.EQ(t, o.Level(), log.Info)
	expect.NoError(t, o.Output(1, log.Error, "peer 10.0.0.1:8000 failed"))
	expect.NoError(t, o.Output(1, log.Info, "listening on :8000"))
	expect.NoError(t, o.Output(1, log.Debug, "dropped"))
	entries := decode(t, &b)
	if got, want := len(entries), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	expect.EQ(t, entries[0].Level, "error")
	expect.EQ(t, entries[0].Msg, "peer 10.0.0.1:8000 failed")
	expect.EQ(t, entries[1].Level, "info")
	expect.EQ(t, entries[1].Msg, "listening on :8000")
}

func TestOutputterDebug(t *testing.T) {
	var b bytes.Buffer
	o := NewJSON(&b, log.Debug)
	expect.NoError(t, o.Output(1, log.Debug, "beacon"))
	entries := decode(t, &b)
	if got, want := len(entries), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	expect.EQ(t, entries[0].Level, "debug")
	expect.HasSubstr(t, entries[0].Caller, ".go:")
}

func TestOutputterConsole(t *testing.T) {
	var b bytes.Buffer
	o := NewConsole(&b, log.Info)
	expect.NoError(t, o.Output(1, log.Info, "running with 2 peers"))
	expect.NoError(t, o.Output(1, log.Debug, "dropped"))
	out := b.String()
	expect.HasSubstr(t, out, "info\trunning with 2 peers")
	expect.False(t, strings.Contains(out, "dropped"))
}
