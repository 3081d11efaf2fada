package registry_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/nabbar/microd/registry"
)

var _ = Describe("Registry.Add", func() {
	It("respects the connection limit", func() {
		r := New(1)
		_, err := r.Add("a")
		Expect(err).ToNot(HaveOccurred())

		_, err = r.Add("b")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Registry suspension", func() {
	It("excludes suspended connections from timeout and re-admits them on Resume", func() {
		r := New(0)
		h, _ := r.Add("conn")
		r.Suspend(h)

		expired := r.ExpiredHandles(time.Now().Add(time.Hour), time.Millisecond)
		Expect(expired).To(BeEmpty())

		r.Resume(h)
		expired = r.ExpiredHandles(time.Now().Add(time.Hour), time.Millisecond)
		Expect(expired).To(Equal([]Handle{h}))
	})
})

var _ = Describe("Registry.SetDeadline", func() {
	It("overrides the default timeout", func() {
		r := New(0)
		h, _ := r.Add("conn")
		r.SetDeadline(h, time.Now().Add(time.Hour))

		expired := r.ExpiredHandles(time.Now().Add(time.Minute), time.Nanosecond)
		Expect(expired).To(BeEmpty())
	})
})

var _ = Describe("Registry.DrainReady", func() {
	It("clears the ready list once drained", func() {
		r := New(0)
		h, _ := r.Add("conn")
		r.MarkReady(h)

		first := r.DrainReady()
		Expect(first).To(Equal([]Handle{h}))

		second := r.DrainReady()
		Expect(second).To(BeEmpty())
	})
})

var _ = Describe("Registry.NextTimeout", func() {
	It("is zero once something is ready", func() {
		r := New(0)
		h, _ := r.Add("conn")
		r.MarkReady(h)

		Expect(r.NextTimeout(time.Now(), time.Hour)).To(Equal(time.Duration(0)))
	})
})

var _ = Describe("Registry.Remove", func() {
	It("evicts the handle from every list", func() {
		r := New(0)
		h, _ := r.Add("conn")
		r.MarkReady(h)
		r.Remove(h)

		_, ok := r.Get(h)
		Expect(ok).To(BeFalse())
		Expect(r.Len()).To(Equal(0))
	})
})

var _ = Describe("Registry.MarkForClean / DrainToClean", func() {
	It("surfaces the handle exactly once", func() {
		r := New(0)
		h, _ := r.Add("conn")
		r.MarkForClean(h)

		drained := r.DrainToClean()
		Expect(drained).To(Equal([]Handle{h}))
		Expect(r.DrainToClean()).To(BeEmpty())
	})
})
