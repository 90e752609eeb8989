package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("cleanTranscript", func() {
	var (
		input  string
		output string
		err    error
	)

	JustBeforeEach(func() {
		output, err = cleanTranscript(input)
	})

	When("the transcript is plain text", func() {
		BeforeEach(func() {
			input = "Walmart\nBANANAS 1.24\n"
		})

		It("returns it trimmed", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(output).To(Equal("Walmart\nBANANAS 1.24"))
		})
	})

	When("the model wraps the transcript in a code fence", func() {
		BeforeEach(func() {
			input = "```text\nWalmart\nBANANAS 1.24\n```"
		})

		It("removes the fence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(output).To(Equal("Walmart\nBANANAS 1.24"))
		})
	})

	When("lines carry Windows line endings and trailing spaces", func() {
		BeforeEach(func() {
			input = "Walmart   \r\nBANANAS 1.24\t\r\n"
		})

		It("normalizes them", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(output).To(Equal("Walmart\nBANANAS 1.24"))
		})
	})

	When("the transcript is empty", func() {
		BeforeEach(func() {
			input = " \n```\n```\n "
		})

		It("returns an extraction error", func() {
			Expect(err).To(MatchError(ErrExtraction))
			Expect(output).To(BeEmpty())
		})
	})
})
