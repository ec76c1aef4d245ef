// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package nettrace

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	enabled       []bool
	takeIDs       []uint64
	exportIDs     []uint64
	statusIDs     []uint64
	failTake      bool
	failExport    bool
	failStatus    bool
}

func (f *fakeSender) SendEnable()  { f.enabled = append(f.enabled, true) }
func (f *fakeSender) SendDisable() { f.enabled = append(f.enabled, false) }

func (f *fakeSender) SendTakePcapng(requestID uint64) error {
	f.takeIDs = append(f.takeIDs, requestID)
	if f.failTake {
		return assertErr("post failed")
	}
	return nil
}

func (f *fakeSender) SendExportPcapng(requestID uint64) error {
	f.exportIDs = append(f.exportIDs, requestID)
	if f.failExport {
		return assertErr("post failed")
	}
	return nil
}

func (f *fakeSender) SendStatus(requestID uint64) error {
	f.statusIDs = append(f.statusIDs, requestID)
	if f.failStatus {
		return assertErr("post failed")
	}
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(s string) error    { return simpleErr(s) }

func TestSetEnabledPersistsAndPosts(t *testing.T) {
	c := NewController()
	sender := &fakeSender{}

	c.SetEnabled(true, sender)
	assert.True(t, c.Enabled())
	require.Equal(t, []bool{true}, sender.enabled)

	c.SetEnabled(false, sender)
	assert.False(t, c.Enabled())
}

func TestReapplyOnReadyResendsEnableFlagOnly(t *testing.T) {
	c := NewController()
	sender := &fakeSender{}

	c.ReapplyOnReady(sender)
	assert.Empty(t, sender.enabled, "disabled-by-default controller must not resend anything")

	c.SetEnabled(true, sender)
	sender.enabled = nil
	c.ReapplyOnReady(sender)
	assert.Equal(t, []bool{true}, sender.enabled)
}

// S7: takeNetTracePcapng() posts {kind, requestId: R} and resolves with
// the bytes of the matching response.
func TestS7TakePcapngRoundtrip(t *testing.T) {
	c := NewController()
	sender := &fakeSender{}

	f := c.TakePcapng(sender)
	require.Len(t, sender.takeIDs, 1)
	reqID := sender.takeIDs[0]

	c.OnPcapngResult(reqID, PcapngResult{Bytes: []byte("pcap-bytes")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pcap-bytes"), result.Bytes)
}

// S7: if the Net worker is terminated before the response arrives, the
// promise rejects with an error matching /net worker restarted/i.
func TestS7RejectsOnNetWorkerTermination(t *testing.T) {
	c := NewController()
	sender := &fakeSender{}

	f := c.TakePcapng(sender)
	c.OnNetWorkerTerminated()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`(?i)net worker restarted`), err.Error())
}

func TestExportPcapngPostFailureRejectsWithCanonicalError(t *testing.T) {
	c := NewController()
	sender := &fakeSender{failExport: true}

	f := c.ExportPcapng(sender)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errPostFailed)
}

func TestGetStatsRoundtrip(t *testing.T) {
	c := NewController()
	sender := &fakeSender{}

	f := c.GetStats(sender)
	reqID := sender.statusIDs[0]
	c.OnStatusResult(reqID, Stats{Enabled: true, Records: 5, Bytes: 1024})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Enabled)
	assert.EqualValues(t, 5, stats.Records)
}
