package parsing

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Detect", func() {
	DescribeTable("recognized stores",
		func(text string, expected StoreKind) {
			kind, ok := Detect(text)
			Expect(ok).To(BeTrue())
			Expect(kind).To(Equal(expected))
		},
		Entry("walmart upper case", "WALMART\nSave money. Live better.", Walmart),
		Entry("walmart mixed case in noise", "~~ x9 WaLmArT sUpErCeNtEr ## 555-1234", Walmart),
		Entry("walmart star logo", "WAL*MART\nST# 01234", Walmart),
		Entry("sams straight apostrophe", "Sam's Club\nClub #6432", SamsClub),
		Entry("sams curly apostrophe", "SAM’S CLUB", SamsClub),
		Entry("sams mangled apostrophe", "SAMâ€™S CLUB", SamsClub),
		Entry("sams without apostrophe", "sams club #4711", SamsClub),
		Entry("first match wins", "WALMART gift card at SAM'S", Walmart),
	)

	DescribeTable("unknown text",
		func(text string) {
			kind, ok := Detect(text)
			Expect(ok).To(BeFalse())
			Expect(kind).To(Equal(Unknown))
		},
		Entry("empty", ""),
		Entry("other store", "TARGET\nEXPECT MORE PAY LESS"),
		Entry("binary noise", "\x00\xff\xfe"),
	)
})
