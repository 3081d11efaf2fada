package reqrep_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/nabbar/microd/reqrep"
)

var _ = Describe("Header", func() {
	It("matches Get case-insensitively while preserving original casing", func() {
		var h Header
		h.Add("Content-Type", "text/plain")

		v, ok := h.Get("content-type")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("text/plain"))
		Expect(h.Fields()[0].Name).To(Equal("Content-Type"))
	})

	It("counts duplicate fields regardless of casing", func() {
		var h Header
		h.Add("Content-Length", "5")
		h.Add("content-length", "5")

		Expect(h.Count("Content-Length")).To(Equal(2))
	})
})

var _ = Describe("Response reference counting", func() {
	It("fires the free-callback exactly once when the refcount reaches zero", func() {
		fired := 0
		r := NewResponse(200, []byte("ok"))
		r.SetFreeCallback(func() { fired++ })
		r.Retain()
		r.Freeze()

		r.Release()
		Expect(fired).To(Equal(0))

		r.Release()
		Expect(fired).To(Equal(1))
	})

	It("ignores SetFreeCallback once the response is frozen", func() {
		r := NewResponse(200, nil)
		r.Freeze()
		fired := false
		r.SetFreeCallback(func() { fired = true })
		r.Release()
		Expect(fired).To(BeFalse())
	})
})

var _ = Describe("Request.ProtoAtLeast", func() {
	It("compares against the negotiated HTTP version", func() {
		r := &Request{ProtoMajor: 1, ProtoMinor: 1}
		Expect(r.ProtoAtLeast(1, 0)).To(BeTrue())
		Expect(r.ProtoAtLeast(1, 2)).To(BeFalse())
	})
})
