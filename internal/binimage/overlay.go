package binimage

// Overlay wraps one overlay's raw binary content (spec §3, §4.3).
type Overlay struct {
	base
	ID         int
	Compressed bool
}

// LoadOverlay wraps data (already decompressed by the caller, spec §3
// "decompression on load is consumed as a boolean") as an Overlay's
// backing store.
func LoadOverlay(id int, data []byte, ramAddress uint32, compressed bool) *Overlay {
	return &Overlay{
		base:       base{ramBase: ramAddress, data: data},
		ID:         id,
		Compressed: compressed,
	}
}

// Replace discards the overlay's current contents in favor of newData,
// used by Region.Replace mode (spec §4.8).
func (o *Overlay) Replace(newData []byte) {
	o.data = newData
	o.dirty = true
}

// AppendZeroed grows the overlay by n zero bytes, used to materialize an
// existing BSS range as real data before appending new code after it (spec
// §4.8 "Zero-fill the original BSS").
func (o *Overlay) AppendZeroed(n int) {
	o.data = append(o.data, make([]byte, n)...)
	o.dirty = true
}

// AppendBytes appends src to the overlay's data.
func (o *Overlay) AppendBytes(src []byte) {
	o.data = append(o.data, src...)
	o.dirty = true
}
