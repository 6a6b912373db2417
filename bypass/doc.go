// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bypass implements a positional-I/O fast path in front of a
// storage-abstraction Engine for a hierarchical scientific data library.
//
// Dataset reads that fit a narrow shape — no filters, a native integer
// element type, a contiguous or chunked layout, an "all" or hyperslab
// selection on both sides — are serviced by reading raw bytes directly at
// the file offsets the underlying Engine reports, through a bounded worker
// pool. Everything else is forwarded to the Engine unchanged.
package bypass
