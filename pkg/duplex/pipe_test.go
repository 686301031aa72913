package duplex

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipePairRoundTrip(t *testing.T) {
	transport, application := NewPipePair(4)
	ctx := context.Background()

	if err := application.Write(ctx, []byte("hello")); err != nil {
		t.Fatalf("application.Write: %v", err)
	}
	got, err := transport.Read(ctx)
	if err != nil {
		t.Fatalf("transport.Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}

	if err := transport.Write(ctx, []byte("world")); err != nil {
		t.Fatalf("transport.Write: %v", err)
	}
	got, err = application.Read(ctx)
	if err != nil {
		t.Fatalf("application.Read: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("got %q, want world", got)
	}
}

func TestPipeCompleteSurfacesErrorToReader(t *testing.T) {
	transport, application := NewPipePair(4)
	ctx := context.Background()

	boom := errors.New("boom")
	transport.Complete(boom)

	_, err := application.Read(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Read error = %v, want %v", err, boom)
	}
}

func TestPipeCompleteNilSurfacesEOF(t *testing.T) {
	transport, application := NewPipePair(4)
	ctx := context.Background()

	transport.Complete(nil)

	_, err := application.Read(ctx)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Read error = %v, want io.EOF", err)
	}
}

func TestPipeCompleteIsIdempotent(t *testing.T) {
	transport, _ := NewPipePair(4)
	transport.Complete(errors.New("first"))
	transport.Complete(errors.New("second"))

	if err := transport.Write(context.Background(), []byte("x")); err == nil || err.Error() != "first" {
		t.Fatalf("Write after double Complete = %v, want the first completion error", err)
	}
}

func TestPipeDrainsBufferedChunksBeforeCompletionError(t *testing.T) {
	transport, application := NewPipePair(4)
	ctx := context.Background()

	if err := transport.Write(ctx, []byte("buffered")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	transport.Complete(errors.New("closed after send"))

	got, err := application.Read(ctx)
	if err != nil {
		t.Fatalf("expected buffered chunk before completion error, got err %v", err)
	}
	if string(got) != "buffered" {
		t.Fatalf("got %q, want buffered", got)
	}

	_, err = application.Read(ctx)
	if err == nil || err.Error() != "closed after send" {
		t.Fatalf("second Read error = %v, want completion error", err)
	}
}

func TestPipeWriteRespectsContextCancellation(t *testing.T) {
	transport, _ := NewPipePair(1)
	ctx := context.Background()

	if err := transport.Write(ctx, []byte("fills buffer")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := transport.Write(cctx, []byte("blocks, buffer full"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Write error = %v, want context.DeadlineExceeded", err)
	}
}
