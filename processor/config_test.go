package processor_test

import (
	"os"
	"path/filepath"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/processor"
)

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should have valid defaults", func() {
		config := processor.DefaultConfig()

		Expect(config.Validate()).To(Succeed())
		Expect(config.MaxInstances).To(Equal(6))
		Expect(config.DebugSignal).To(Equal(uint32(0xD)))
	})

	DescribeTable("saving and loading",
		func(name string) {
			config := processor.DefaultConfig()
			config.MaxInstances = 3
			config.PollTimeoutMs = 500

			path := filepath.Join(dir, name)
			Expect(config.SaveConfig(path)).To(Succeed())

			loaded, err := processor.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmp.Diff(config, loaded)).To(BeEmpty())
		},
		Entry("json", "config.json"),
		Entry("yaml", "config.yaml"),
		Entry("yml", "config.yml"),
	)

	It("should keep defaults for missing yaml fields", func() {
		path := filepath.Join(dir, "partial.yaml")
		Expect(os.WriteFile(path, []byte("poll_timeout_ms: 100\n"), 0644)).To(Succeed())

		config, err := processor.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.PollTimeoutMs).To(Equal(uint64(100)))
		Expect(config.MaxInstances).To(Equal(6))
	})

	It("should report unreadable and malformed files", func() {
		_, err := processor.LoadConfig(filepath.Join(dir, "missing.json"))
		Expect(err).To(MatchError(ContainSubstring("failed to read")))

		path := filepath.Join(dir, "bad.json")
		Expect(os.WriteFile(path, []byte("{"), 0644)).To(Succeed())
		_, err = processor.LoadConfig(path)
		Expect(err).To(MatchError(ContainSubstring("failed to parse")))
	})

	DescribeTable("validation",
		func(mutate func(*processor.Config)) {
			config := processor.DefaultConfig()
			mutate(config)
			Expect(config.Validate()).NotTo(Succeed())
		},
		Entry("no instances", func(c *processor.Config) { c.MaxInstances = 0 }),
		Entry("too many instances", func(c *processor.Config) { c.MaxInstances = 7 }),
		Entry("exit debug signal", func(c *processor.Config) { c.DebugSignal = 0x2000 }),
		Entry("dump debug signal", func(c *processor.Config) { c.DebugSignal = 0x6 }),
		Entry("no timeout", func(c *processor.Config) { c.PollTimeoutMs = 0 }),
		Entry("interval above ceiling", func(c *processor.Config) { c.PollIntervalUs = 10000 }),
	)

	It("should clone independently", func() {
		config := processor.DefaultConfig()
		clone := config.Clone()
		clone.MaxInstances = 1

		Expect(config.MaxInstances).To(Equal(6))
	})
})
