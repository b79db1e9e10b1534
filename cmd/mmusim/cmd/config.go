package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/mem/vm/frame"
	"github.com/sarchlab/mmusim/mem/vm/mmu"
	"github.com/sarchlab/mmusim/mem/vm/tlb"
	"github.com/spf13/pflag"
)

// Environment variables that provide the defaults of the machine flags. They
// can also be set in a .env file in the working directory.
const (
	envFrames     = "MMUSIM_FRAMES"
	envPTEShift   = "MMUSIM_PTE_SHIFT"
	envTLBEntries = "MMUSIM_TLB_ENTRIES"
	envTLBPolicy  = "MMUSIM_TLB_POLICY"
)

type machineConfig struct {
	numFrames       int
	log2PTEsPerPage uint
	numTLBEntries   int
	tlbPolicy       string
}

func (c *machineConfig) addFlags(flags *pflag.FlagSet) {
	flags.IntVar(&c.numFrames, "frames", frame.DefaultNumFrames,
		"number of physical frames ($"+envFrames+")")
	flags.UintVar(&c.log2PTEsPerPage, "pte-shift", vm.DefaultLog2PTEsPerPage,
		"log2 of the number of entries in each page table level ($"+envPTEShift+")")
	flags.IntVar(&c.numTLBEntries, "tlb-entries", tlb.DefaultNumEntries,
		"number of TLB entries ($"+envTLBEntries+")")
	flags.StringVar(&c.tlbPolicy, "tlb-policy", tlb.SkipWhenFull.String(),
		"what a full TLB does on insertion, skip or round-robin ($"+envTLBPolicy+")")
}

// loadEnv reads the .env file if there is one.
func loadEnv() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

// applyEnv overrides the flags that are not set on the command line with the
// environment.
func (c *machineConfig) applyEnv(flags *pflag.FlagSet) error {
	intFromEnv := func(flag, env string, target *int) error {
		v, ok := os.LookupEnv(env)
		if !ok || flags.Changed(flag) {
			return nil
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}

		*target = n

		return nil
	}

	if err := intFromEnv("frames", envFrames, &c.numFrames); err != nil {
		return err
	}

	if err := intFromEnv("tlb-entries", envTLBEntries, &c.numTLBEntries); err != nil {
		return err
	}

	shift := int(c.log2PTEsPerPage)
	if err := intFromEnv("pte-shift", envPTEShift, &shift); err != nil {
		return err
	}
	c.log2PTEsPerPage = uint(shift)

	if v, ok := os.LookupEnv(envTLBPolicy); ok && !flags.Changed("tlb-policy") {
		c.tlbPolicy = v
	}

	return nil
}

func (c *machineConfig) validate() error {
	if c.numFrames <= 0 {
		return fmt.Errorf("the number of frames must be positive, got %d",
			c.numFrames)
	}

	if c.numTLBEntries <= 0 {
		return fmt.Errorf("the number of TLB entries must be positive, got %d",
			c.numTLBEntries)
	}

	geometry := vm.Geometry{Log2PTEsPerPage: c.log2PTEsPerPage}
	if !geometry.Valid() {
		return fmt.Errorf("pte-shift must be between 1 and %d, got %d",
			vm.MaxLog2PTEsPerPage, c.log2PTEsPerPage)
	}

	_, err := tlb.ParseReplacementPolicy(c.tlbPolicy)

	return err
}

func (c *machineConfig) builder() mmu.Builder {
	policy, err := tlb.ParseReplacementPolicy(c.tlbPolicy)
	if err != nil {
		panic(err)
	}

	return mmu.MakeBuilder().
		WithNumFrames(c.numFrames).
		WithLog2PTEsPerPage(c.log2PTEsPerPage).
		WithNumTLBEntries(c.numTLBEntries).
		WithTLBReplacementPolicy(policy)
}
