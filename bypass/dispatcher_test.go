package bypass_test

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/hdfbypass/bypass"
	"github.com/grailbio/hdfbypass/localengine"
)

// TestDispatcherSerialRoundTrip exercises the full Connector.DatasetRead
// path in serial (no thread pool) mode: write a known pattern through the
// Engine directly, read it back through the bypass path, and check that
// the fallback is not used and the bytes read match the pattern.
func TestDispatcherSerialRoundTrip(t *testing.T) {
	t.Setenv("BYPASS_VOL_NO_TPOOL", "true")
	t.Setenv("BYPASS_VOL_MAX_NELMTS", "1048576")

	dir := t.TempDir()
	lf, err := localengine.CreateFile(filepath.Join(dir, "roundtrip.bin"))
	if err != nil {
		t.Fatal(err)
	}
	vals := make([]int32, 64)
	buf := make([]byte, 4*len(vals))
	for i := range vals {
		vals[i] = int32(i * 3)
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(vals[i]))
	}
	if err := lf.WriteAt(buf, 0); err != nil {
		t.Fatal(err)
	}

	typ := bypass.TypeDescriptor{Class: bypass.ClassInteger, Size: localengine.NativeIntSize, Order: bypass.OrderLittleEndian, Sign: bypass.SignTwosComplement}
	eng := localengine.Engine{}
	ds := localengine.NewContiguousDataset(lf, typ, []int64{64}, 0)

	gs, err := bypass.NewGlobalState(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatal(err)
	}
	conn, err := bypass.NewConnector("under_vol=native;under_info={}", eng, gs)
	if err != nil {
		t.Fatal(err)
	}

	fileHandle, err := gs.NewFileHandle(lf.Path())
	if err != nil {
		t.Fatal(err)
	}
	shadow := gs.NewDatasetShadow(eng, ds, fileHandle, "vals")

	fileSpace, err := eng.DatasetSpace(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	memSpace := localengine.NewSpace([]int64{64})

	dst := make([]byte, 4*64)
	tuple := bypass.ReadTuple{
		Shadow:    shadow,
		File:      fileHandle,
		MemType:   typ,
		FileSpace: fileSpace,
		MemSpace:  memSpace,
		Dest:      dst,
		ElemSize:  4,
	}

	fallbackCalled := false
	fallback := func(ctx context.Context, t bypass.ReadTuple) error {
		fallbackCalled = true
		return nil
	}

	if err := conn.DatasetRead(context.Background(), []bypass.ReadTuple{tuple}, fallback); err != nil {
		t.Fatal(err)
	}
	if fallbackCalled {
		t.Fatal("expected the bypass path, not fallback, for this dataset")
	}

	got := make([]int32, 64)
	for i := range got {
		got[i] = int32(binary.LittleEndian.Uint32(dst[4*i:]))
	}
	for i, v := range got {
		if v != int32(i*3) {
			t.Fatalf("index %d: got %d, want %d", i, v, i*3)
		}
	}
}

// TestDispatcherSerialModePropagatesReadError checks that a failing
// positional read in serial (no thread pool) mode still fails the request,
// matching the pooled path's taskErrors accumulation: the dataset declares
// more elements than the backing file actually holds, so the single
// emitted task's read runs past EOF.
func TestDispatcherSerialModePropagatesReadError(t *testing.T) {
	t.Setenv("BYPASS_VOL_NO_TPOOL", "true")
	t.Setenv("BYPASS_VOL_MAX_NELMTS", "1048576")

	dir := t.TempDir()
	lf, err := localengine.CreateFile(filepath.Join(dir, "short.bin"))
	if err != nil {
		t.Fatal(err)
	}
	// Only 4 bytes (one int32) actually backs the file, but the dataset
	// below declares 16.
	if err := lf.WriteAt([]byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatal(err)
	}

	typ := bypass.TypeDescriptor{Class: bypass.ClassInteger, Size: localengine.NativeIntSize, Order: bypass.OrderLittleEndian, Sign: bypass.SignTwosComplement}
	eng := localengine.Engine{}
	ds := localengine.NewContiguousDataset(lf, typ, []int64{16}, 0)

	gs, err := bypass.NewGlobalState(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatal(err)
	}
	conn, err := bypass.NewConnector("under_vol=native;under_info={}", eng, gs)
	if err != nil {
		t.Fatal(err)
	}

	fileHandle, err := gs.NewFileHandle(lf.Path())
	if err != nil {
		t.Fatal(err)
	}
	shadow := gs.NewDatasetShadow(eng, ds, fileHandle, "short")

	fileSpace, err := eng.DatasetSpace(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	memSpace := localengine.NewSpace([]int64{16})

	tuple := bypass.ReadTuple{
		Shadow:    shadow,
		File:      fileHandle,
		MemType:   typ,
		FileSpace: fileSpace,
		MemSpace:  memSpace,
		Dest:      make([]byte, 16*4),
		ElemSize:  4,
	}
	fallback := func(ctx context.Context, t bypass.ReadTuple) error {
		return nil
	}
	if err := conn.DatasetRead(context.Background(), []bypass.ReadTuple{tuple}, fallback); err == nil {
		t.Fatal("expected the short read past EOF to fail the request")
	}
}

// TestDispatcherFallsBackOnFilteredDataset is scenario S4: a nonzero
// filter count trips classification, so the request is forwarded
// unchanged and no tasks are emitted.
func TestDispatcherFallsBackOnFilteredDataset(t *testing.T) {
	t.Setenv("BYPASS_VOL_NO_TPOOL", "true")

	dir := t.TempDir()
	lf, err := localengine.CreateFile(filepath.Join(dir, "filtered.bin"))
	if err != nil {
		t.Fatal(err)
	}
	typ := bypass.TypeDescriptor{Class: bypass.ClassInteger, Size: localengine.NativeIntSize, Order: bypass.OrderLittleEndian, Sign: bypass.SignTwosComplement}
	eng := localengine.Engine{}
	ds := localengine.NewContiguousDataset(lf, typ, []int64{16}, 0)
	ds.DCPL.FilterCount = 1

	gs, err := bypass.NewGlobalState(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatal(err)
	}
	conn, err := bypass.NewConnector("under_vol=native;under_info={}", eng, gs)
	if err != nil {
		t.Fatal(err)
	}

	fileHandle, err := gs.NewFileHandle(lf.Path())
	if err != nil {
		t.Fatal(err)
	}
	shadow := gs.NewDatasetShadow(eng, ds, fileHandle, "filtered")

	fileSpace, err := eng.DatasetSpace(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	memSpace := localengine.NewSpace([]int64{16})

	tuple := bypass.ReadTuple{
		Shadow:    shadow,
		File:      fileHandle,
		MemType:   typ,
		FileSpace: fileSpace,
		MemSpace:  memSpace,
		Dest:      make([]byte, 16*4),
		ElemSize:  4,
	}

	calls := 0
	fallback := func(ctx context.Context, t bypass.ReadTuple) error {
		calls++
		return nil
	}
	if err := conn.DatasetRead(context.Background(), []bypass.ReadTuple{tuple}, fallback); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one fall-through call, got %d", calls)
	}
	useNative, checked := shadow.UseNative()
	if !checked || !useNative {
		t.Fatal("expected shadow to be classified as use_native")
	}
}

// TestDispatcherFallsBackOnCompoundType is scenario S5: a 12-byte compound
// element type fails the element-class check (it isn't ClassInteger), so
// classification falls back with zero tasks emitted.
func TestDispatcherFallsBackOnCompoundType(t *testing.T) {
	t.Setenv("BYPASS_VOL_NO_TPOOL", "true")

	dir := t.TempDir()
	lf, err := localengine.CreateFile(filepath.Join(dir, "compound.bin"))
	if err != nil {
		t.Fatal(err)
	}
	typ := bypass.TypeDescriptor{Class: bypass.ClassOther, Size: 12, Order: bypass.OrderLittleEndian, Sign: bypass.SignNotApplicable}
	eng := localengine.Engine{}
	ds := localengine.NewContiguousDataset(lf, typ, []int64{4}, 0)

	gs, err := bypass.NewGlobalState(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatal(err)
	}
	conn, err := bypass.NewConnector("under_vol=native;under_info={}", eng, gs)
	if err != nil {
		t.Fatal(err)
	}

	fileHandle, err := gs.NewFileHandle(lf.Path())
	if err != nil {
		t.Fatal(err)
	}
	shadow := gs.NewDatasetShadow(eng, ds, fileHandle, "compound")

	fileSpace, err := eng.DatasetSpace(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	memSpace := localengine.NewSpace([]int64{4})

	tuple := bypass.ReadTuple{
		Shadow:    shadow,
		File:      fileHandle,
		MemType:   typ,
		FileSpace: fileSpace,
		MemSpace:  memSpace,
		Dest:      make([]byte, 4*12),
		ElemSize:  12,
	}

	calls := 0
	fallback := func(ctx context.Context, t bypass.ReadTuple) error {
		calls++
		return nil
	}
	if err := conn.DatasetRead(context.Background(), []bypass.ReadTuple{tuple}, fallback); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one fall-through call, got %d", calls)
	}
	useNative, checked := shadow.UseNative()
	if !checked || !useNative {
		t.Fatal("expected shadow to be classified as use_native")
	}
}

// TestDispatcherConcurrentReadsOnSameFile is scenario S6: two goroutines
// issue top-level reads against distinct datasets backed by the same file,
// through the pooled dispatcher. Both must observe correct buffers, and once
// both reads have returned, the two shadows and the file object must release
// the shared file handle without error.
func TestDispatcherConcurrentReadsOnSameFile(t *testing.T) {
	t.Setenv("BYPASS_VOL_MAX_NELMTS", "1048576")

	dir := t.TempDir()
	lf, err := localengine.CreateFile(filepath.Join(dir, "shared.bin"))
	if err != nil {
		t.Fatal(err)
	}

	const n = 256
	makeVals := func(base int32) []int32 {
		vals := make([]int32, n)
		for i := range vals {
			vals[i] = base + int32(i)
		}
		return vals
	}
	valsA := makeVals(0)
	valsB := makeVals(1000)
	writeInt32sDispatcher(t, lf, 0, valsA)
	writeInt32sDispatcher(t, lf, int64(4*n), valsB)

	typ := int32TypeDispatcher()
	eng := localengine.Engine{}
	dsA := localengine.NewContiguousDataset(lf, typ, []int64{n}, 0)
	dsB := localengine.NewContiguousDataset(lf, typ, []int64{n}, int64(4*n))

	gs, err := bypass.NewGlobalState(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatal(err)
	}
	conn, err := bypass.NewConnector("under_vol=native;under_info={}", eng, gs)
	if err != nil {
		t.Fatal(err)
	}

	fileHandle, err := gs.NewFileHandle(lf.Path())
	if err != nil {
		t.Fatal(err)
	}
	shadowA := gs.NewDatasetShadow(eng, dsA, fileHandle, "a")
	shadowB := gs.NewDatasetShadow(eng, dsB, fileHandle, "b")

	runRead := func(shadow *bypass.DatasetShadow, ds *localengine.Dataset) ([]int32, error) {
		fileSpace, err := eng.DatasetSpace(context.Background(), ds)
		if err != nil {
			return nil, err
		}
		memSpace := localengine.NewSpace([]int64{n})
		dst := make([]byte, 4*n)
		tuple := bypass.ReadTuple{
			Shadow:    shadow,
			File:      fileHandle,
			MemType:   typ,
			FileSpace: fileSpace,
			MemSpace:  memSpace,
			Dest:      dst,
			ElemSize:  4,
		}
		fallback := func(ctx context.Context, t bypass.ReadTuple) error {
			return nil
		}
		if err := conn.DatasetRead(context.Background(), []bypass.ReadTuple{tuple}, fallback); err != nil {
			return nil, err
		}
		return readInt32sDispatcher(dst), nil
	}

	var wg sync.WaitGroup
	var gotA, gotB []int32
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		gotA, errA = runRead(shadowA, dsA)
	}()
	go func() {
		defer wg.Done()
		gotB, errB = runRead(shadowB, dsB)
	}()
	wg.Wait()

	if errA != nil {
		t.Fatal(errA)
	}
	if errB != nil {
		t.Fatal(errB)
	}

	for i, v := range gotA {
		if v != valsA[i] {
			t.Fatalf("dataset a, index %d: got %d, want %d", i, v, valsA[i])
		}
	}
	for i, v := range gotB {
		if v != valsB[i] {
			t.Fatalf("dataset b, index %d: got %d, want %d", i, v, valsB[i])
		}
	}

	if err := shadowA.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := shadowB.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := fileHandle.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func int32TypeDispatcher() bypass.TypeDescriptor {
	return bypass.TypeDescriptor{Class: bypass.ClassInteger, Size: localengine.NativeIntSize, Order: bypass.OrderLittleEndian, Sign: bypass.SignTwosComplement}
}

func writeInt32sDispatcher(t *testing.T, f *localengine.File, off int64, vals []int32) {
	t.Helper()
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	if err := f.WriteAt(buf, off); err != nil {
		t.Fatal(err)
	}
}

func readInt32sDispatcher(buf []byte) []int32 {
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out
}
