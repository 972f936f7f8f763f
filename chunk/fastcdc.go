package chunk

// FastCDC implements the FastCDC (2020) content-defined chunking
// algorithm: a gear-hash rolling hash with normalized chunking.
//
// Normalization biases the cut probability so that chunk sizes cluster
// more tightly around Avg than a single fixed mask would: a mask with
// more bits set (fewer candidate cut points) is used in [Min, Avg), one
// with fewer bits set (more candidate cut points) in [Avg, Max).
type FastCDC struct {
	base
	params    SizeParams
	normLevel uint
	maskSmall uint64
	maskLarge uint64
	gear      *GearTable
}

// NewFastCDC creates a FastCDC chunker. normLevel is the normalization
// level (0 disables normalization, i.e. a single mask is used
// throughout); gear may be nil to use the package default table.
func NewFastCDC(params SizeParams, normLevel uint, gear *GearTable) *FastCDC {
	if gear == nil {
		gear = &defaultGear
	}
	maskS, maskL, _ := maskForAvg(params.Avg, normLevel)
	return &FastCDC{
		params:    params,
		normLevel: normLevel,
		maskSmall: maskS,
		maskLarge: maskL,
		gear:      gear,
	}
}

func (c *FastCDC) ChunkData(buf []byte) ([]Span, []byte) {
	return c.chunkWith(buf, c.findBoundary)
}

func (c *FastCDC) findBoundary(data []byte) (int, bool) {
	limit := len(data)
	if limit < c.params.Min {
		return limit, false
	}

	cap := c.params.Max
	if cap > limit {
		cap = limit
	}

	var hash uint64
	for i := 0; i < cap; i++ {
		hash = (hash << 1) + c.gear[data[i]]
		size := i + 1
		if size < c.params.Min {
			continue
		}
		if size < c.params.Avg {
			if hash&c.maskSmall == 0 {
				return size, true
			}
		} else {
			if hash&c.maskLarge == 0 {
				return size, true
			}
		}
	}

	if cap == c.params.Max && limit >= c.params.Max {
		return c.params.Max, true
	}
	return limit, false
}

func (c *FastCDC) EstimateChunkCount(buf []byte) int {
	return len(buf)/c.params.Min + 1
}
