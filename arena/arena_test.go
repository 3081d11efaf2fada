package arena_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/microd/arena"
)

var _ = Describe("Arena", func() {
	It("allocates within capacity", func() {
		a := arena.New(16)
		b, ok := a.Alloc(10)
		Expect(ok).To(BeTrue())
		Expect(b).To(HaveLen(10))
		Expect(a.Remaining()).To(Equal(6))
	})

	It("fails an allocation once exhausted", func() {
		a := arena.New(8)
		_, ok := a.Alloc(4)
		Expect(ok).To(BeTrue())

		_, ok = a.Alloc(5)
		Expect(ok).To(BeFalse())
	})

	It("reclaims space on Reset", func() {
		a := arena.New(8)
		_, ok := a.Alloc(8)
		Expect(ok).To(BeTrue())

		a.Reset()
		Expect(a.Used()).To(Equal(0))

		_, ok = a.Alloc(8)
		Expect(ok).To(BeTrue())
	})

	It("never moves a prior allocation on a later one", func() {
		a := arena.New(32)
		first, ok := a.AllocCopy([]byte("hello"))
		Expect(ok).To(BeTrue())

		_, ok = a.Alloc(4)
		Expect(ok).To(BeTrue())
		Expect(string(first)).To(Equal("hello"))
	})
})
