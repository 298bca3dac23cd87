//go:build linux

package nullmodem

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/metrics"
	"github.com/kstaniek/go-tty0tty/internal/serial"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// startPair opens a pair with links in a temp dir and runs the bridge until
// the test ends.
func startPair(t *testing.T) (*Pair, string, string) {
	t.Helper()
	dir := t.TempDir()
	linkA, linkB := filepath.Join(dir, "tnt0"), filepath.Join(dir, "tnt1")
	p, err := Open(Options{Links: [2]string{linkA, linkB}, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
		require.NoError(t, p.Close())
	})
	select {
	case <-p.Ready():
	case <-time.After(time.Second):
		t.Fatal("bridge not ready")
	}
	return p, linkA, linkB
}

func openEndpoint(t *testing.T, name string) serial.Endpoint {
	t.Helper()
	ep, err := serial.Open(serial.DriverTermios, serial.Config{Name: name, Baud: 115200, ReadTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestPairLinksPointAtSlaves(t *testing.T) {
	p, linkA, linkB := startPair(t)
	a, b := p.Endpoints()
	require.Equal(t, linkA, a)
	require.Equal(t, linkB, b)

	slaveA, slaveB := p.SlavePaths()
	require.NotEqual(t, slaveA, slaveB)
	target, err := os.Readlink(linkA)
	require.NoError(t, err)
	require.Equal(t, slaveA, target)
	target, err = os.Readlink(linkB)
	require.NoError(t, err)
	require.Equal(t, slaveB, target)
}

func TestPairBridgesBothDirections(t *testing.T) {
	before := metrics.Snap()
	_, linkA, linkB := startPair(t)
	epA := openEndpoint(t, linkA)
	epB := openEndpoint(t, linkB)

	msg := "hello there \r\n"
	_, err := epA.Write([]byte(msg))
	require.NoError(t, err)
	line, err := serial.NewLineReader(epB, '\n').ReadLine(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, msg, string(line))

	_, err = epB.Write([]byte("general kenobi\n"))
	require.NoError(t, err)
	line, err = serial.NewLineReader(epA, '\n').ReadLine(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "general kenobi\n", string(line))

	require.Eventually(t, func() bool {
		s := metrics.Snap()
		return s.BridgeAtoB-before.BridgeAtoB >= uint64(len(msg)) && s.BridgeBtoA-before.BridgeBtoA >= 15
	}, time.Second, 5*time.Millisecond)
}

func TestPairCloseRemovesLinks(t *testing.T) {
	dir := t.TempDir()
	linkA, linkB := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	// A stale file at the link path is replaced.
	require.NoError(t, os.WriteFile(linkA, []byte("stale"), 0o644))

	p, err := Open(Options{Links: [2]string{linkA, linkB}, Logger: testLogger()})
	require.NoError(t, err)
	fi, err := os.Lstat(linkA)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSymlink)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = os.Lstat(linkA)
	require.True(t, os.IsNotExist(err))
	_, err = os.Lstat(linkB)
	require.True(t, os.IsNotExist(err))
}

func TestPairLinkCreateError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no", "such", "dir", "tnt0")
	_, err := Open(Options{Links: [2]string{missing, ""}, Logger: testLogger()})
	require.ErrorIs(t, err, ErrLinkCreate)
}

func TestPairWithoutLinksUsesSlavePaths(t *testing.T) {
	p, err := Open(Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	a, b := p.Endpoints()
	sa, sb := p.SlavePaths()
	require.Equal(t, sa, a)
	require.Equal(t, sb, b)
}

func TestPairRunStopsWhenClosed(t *testing.T) {
	p, err := Open(Options{Logger: testLogger()})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	<-p.Ready()
	require.NoError(t, p.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestBridgeWriteFailureDrainsAndQueueOverflowDrops(t *testing.T) {
	paused := make(chan time.Duration, 4)
	release := make(chan struct{})
	orig := sleepFn
	sleepFn = func(d time.Duration) {
		paused <- d
		<-release
	}
	t.Cleanup(func() { sleepFn = orig })

	src, feed, err := os.Pipe()
	require.NoError(t, err)
	defer feed.Close()
	_, dead, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, dead.Close()) // every write to the peer master fails

	p := &Pair{
		opts: Options{QueueSize: 1},
		l:    testLogger(),
		ends: [2]end{{master: src}, {master: dead}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	tx := p.newWriter(ctx, 1, metrics.DirAtoB)
	before := metrics.Snap()

	// The first chunk fails to write; the writer pauses before draining.
	require.NoError(t, tx.SendChunk([]byte("lost")))
	select {
	case d := <-paused:
		require.Equal(t, writeErrorPause, d)
	case <-time.After(time.Second):
		t.Fatal("writer did not pause after a write error")
	}

	// While paused, one chunk fills the queue and the next read overflows it.
	require.NoError(t, tx.SendChunk([]byte("queued")))
	loopDone := make(chan error, 1)
	go func() { loopDone <- p.copyLoop(ctx, 0, tx, metrics.DirAtoB) }()
	_, err = feed.Write([]byte("overflow"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return metrics.Snap().BridgeDropped-before.BridgeDropped == 1
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, tx.SendChunk([]byte("more")), ErrQueueOverflow)

	// Resuming drains the queued chunk without writing it.
	close(release)
	require.Eventually(t, func() bool {
		return metrics.Snap().BridgeDropped-before.BridgeDropped == 3
	}, time.Second, 5*time.Millisecond)
	s := metrics.Snap()
	require.EqualValues(t, 0, s.BridgeAtoB-before.BridgeAtoB)
	// one bridge_write and two bridge_overflow errors
	require.GreaterOrEqual(t, s.Errors-before.Errors, uint64(3))

	cancel()
	require.NoError(t, src.Close())
	select {
	case err := <-loopDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("copy loop did not stop")
	}
	tx.Close()
}
