// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package shmem

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingRoundtripSingle(t *testing.T) {
	r := NewRing(256)
	payload := []byte("hello world")

	ok, err := r.Push(payload)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, payload, got)

	_, ok = r.Pop()
	assert.False(t, ok, "ring should be empty after draining the only record")
}

func TestRingRoundtripManyInterleaved(t *testing.T) {
	r := NewRing(4096)
	var want [][]byte
	for i := 0; i < 50; i++ {
		want = append(want, []byte(fmt.Sprintf("record-%03d", i)))
	}

	var got [][]byte
	for i, w := range want {
		ok, err := r.Push(w)
		require.NoError(t, err)
		require.True(t, ok)
		if i%3 == 1 {
			for {
				v, ok := r.Pop()
				if !ok {
					break
				}
				got = append(got, v)
			}
		}
	}
	for {
		v, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], got[i])
	}
}

func TestRingWrapsAroundBoundary(t *testing.T) {
	// Capacity chosen so a handful of pushes force at least one wrap.
	r := NewRing(64)
	for round := 0; round < 20; round++ {
		payload := []byte(fmt.Sprintf("r%02d", round))
		ok, err := r.Push(payload)
		require.NoError(t, err)
		require.True(t, ok)

		got, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, payload, got)
	}
}

func TestRingWrapMarkerPath(t *testing.T) {
	r := NewRing(32)

	ok, err := r.Push([]byte("abc")) // 8-byte record, pos 0 -> 8
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.Push([]byte("abcdef")) // 16-byte record, pos 8 -> 24
	require.NoError(t, err)
	require.True(t, ok)

	v, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), v)
	v, ok = r.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("abcdef"), v)

	// pos is now 24 with 8 bytes free to the boundary; a 16-byte record
	// cannot fit there, forcing a wrap-marker pad and wraparound write.
	ok, err = r.Push([]byte("0123456789"))
	require.NoError(t, err)
	require.True(t, ok)

	v, ok = r.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("0123456789"), v)
}

func TestRingPushTooLarge(t *testing.T) {
	r := NewRing(16)
	_, err := r.Push(make([]byte, 64))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestRingPushFalseWhenFull(t *testing.T) {
	r := NewRing(16)
	// "ab" takes alignUp(4+2,8) = 8 bytes; "cdefgh" needs
	// alignUp(4+6,8) = 16, more than the 8 bytes left.
	ok, err := r.Push([]byte("ab"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Push([]byte("cdefgh"))
	require.NoError(t, err)
	assert.False(t, ok, "ring should report no space rather than error when merely full")
}

func TestRingConcurrentProducersFIFOPerProducerOrder(t *testing.T) {
	r := NewRing(1 << 16)
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := []byte(fmt.Sprintf("p%02d-%03d", p, i))
				for {
					ok, err := r.Push(payload)
					require.NoError(t, err)
					if ok {
						break
					}
				}
			}
		}(p)
	}
	wg.Wait()

	lastSeen := make(map[int]int)
	count := 0
	for count < producers*perProducer {
		v, ok := r.Pop()
		if !ok {
			continue
		}
		var p, i int
		_, err := fmt.Sscanf(string(v), "p%02d-%03d", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, lastSeen[p], i, "producer %d: out-of-order delivery", p)
		lastSeen[p] = i + 1
		count++
	}
}

func TestRingBlockingPopWakesOnPush(t *testing.T) {
	r := NewRing(128)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []byte, 1)
	go func() {
		v, ok := r.PopBlocking(ctx)
		if ok {
			done <- v
		} else {
			done <- nil
		}
	}()

	time.Sleep(20 * time.Millisecond)
	ok, err := r.Push([]byte("wake up"))
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case v := <-done:
		assert.Equal(t, []byte("wake up"), v)
	case <-time.After(time.Second):
		t.Fatal("PopBlocking did not wake on Push")
	}
}

func TestRingBlockingPushWakesOnPop(t *testing.T) {
	r := NewRing(16)
	ok, err := r.Push([]byte("abcdefghijkl")) // fills the ring (alignUp(4+12,8) = 16 bytes, capacity 16)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.PushBlocking(ctx, []byte("cd"))
	}()

	time.Sleep(20 * time.Millisecond)
	_, ok = r.Pop()
	require.True(t, ok)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("PushBlocking did not wake on Pop")
	}
}
