package parsing

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ForStore", func() {
	It("returns a parser for every known store", func() {
		for _, kind := range []StoreKind{Walmart, SamsClub} {
			p, err := ForStore(kind)
			Expect(err).NotTo(HaveOccurred())
			Expect(p).NotTo(BeNil())
		}
	})

	It("returns ErrUnknownStore for the unknown kind", func() {
		p, err := ForStore(Unknown)
		Expect(err).To(MatchError(ErrUnknownStore))
		Expect(p).To(BeNil())
	})
})
