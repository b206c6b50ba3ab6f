package jobs

// OverlapPages is how many preceding pages each chunk re-extracts for
// sentence-boundary context. Sentences starting inside the overlap
// belong to the previous chunk.
const OverlapPages = 2

// ChunkSpan is a planned page range for one chunk. Pages are 1-based
// and inclusive on both ends.
type ChunkSpan struct {
	Index        int
	PageStart    int
	PageEnd      int
	OverlapStart int
}

// targetPagesPerChunk picks the chunk granularity band for a document.
// Larger documents get smaller chunks so retries stay cheap.
func targetPagesPerChunk(pageCount int) int {
	switch {
	case pageCount <= 50:
		return pageCount
	case pageCount <= 200:
		return 50
	case pageCount <= 500:
		return 40
	default:
		return 30
	}
}

// PlanChunks splits a document into contiguous page ranges. Ranges are
// balanced so the last chunk is never a tiny remainder, and each chunk
// after the first starts its extraction window OverlapPages earlier.
func PlanChunks(pageCount int) []ChunkSpan {
	if pageCount <= 0 {
		return nil
	}

	target := targetPagesPerChunk(pageCount)
	numChunks := (pageCount + target - 1) / target

	base := pageCount / numChunks
	remainder := pageCount % numChunks

	spans := make([]ChunkSpan, 0, numChunks)
	page := 1
	for i := 0; i < numChunks; i++ {
		size := base
		if i < remainder {
			size++
		}

		span := ChunkSpan{
			Index:        i,
			PageStart:    page,
			PageEnd:      page + size - 1,
			OverlapStart: page,
		}
		if i > 0 {
			span.OverlapStart = page - OverlapPages
			if span.OverlapStart < 1 {
				span.OverlapStart = 1
			}
		}
		spans = append(spans, span)
		page += size
	}

	return spans
}
