package fdlimit_test

import (
	"errors"
	"syscall"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/nabbar/microd/fdlimit"
)

var _ = Describe("IsExhaustion", func() {
	It("recognizes EMFILE and ENFILE", func() {
		Expect(IsExhaustion(syscall.EMFILE)).To(BeTrue())
		Expect(IsExhaustion(syscall.ENFILE)).To(BeTrue())
	})

	It("rejects unrelated or nil errors", func() {
		Expect(IsExhaustion(errors.New("boom"))).To(BeFalse())
		Expect(IsExhaustion(nil)).To(BeFalse())
	})
})

var _ = Describe("Classify", func() {
	It("wraps exhaustion errors only", func() {
		Expect(Classify(syscall.EMFILE)).To(HaveOccurred())
		Expect(Classify(errors.New("boom"))).ToNot(HaveOccurred())
	})
})

var _ = Describe("Ensure", func() {
	It("queries the current limit without error", func() {
		_, _, err := Ensure(0)
		Expect(err).ToNot(HaveOccurred())
	})
})
