package mmu

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/sim"
	"go.uber.org/mock/gomock"
)

var _ = Describe("MMU", func() {
	var (
		mmu *MMU
	)

	pteOf := func(pid vm.PID, vpn vm.VPN) vm.PTE {
		p, found := mmu.FindProcess(pid)
		Expect(found).To(BeTrue())

		pte, _ := p.PageTable.Lookup(vpn)
		return pte
	}

	BeforeEach(func() {
		mmu = MakeBuilder().Build("MMU")
	})

	AfterEach(func() {
		Expect(mmu.Verify()).To(Succeed())
	})

	Context("before the first process", func() {
		It("should refuse to allocate", func() {
			_, err := mmu.AllocPage(0, vm.AccessReadWrite)
			Expect(err).To(MatchError(vm.ErrNoPageTable))
		})

		It("should refuse to free", func() {
			Expect(mmu.FreePage(0)).To(MatchError(vm.ErrNoPageTable))
		})

		It("should refuse to translate and handle faults", func() {
			_, err := mmu.Translate(0, vm.AccessRead)
			Expect(err).To(MatchError(vm.ErrNoPageTable))

			err = mmu.HandlePageFault(0, vm.AccessWrite)
			Expect(err).To(MatchError(vm.ErrNoPageTable))
		})

		It("should boot a process on the first switch", func() {
			mmu.SwitchProcess(7)

			Expect(mmu.Current().PID).To(Equal(vm.PID(7)))
			Expect(mmu.PTBR()).To(BeIdenticalTo(mmu.Current().PageTable))
			Expect(mmu.ReadyQueue().Len()).To(Equal(0))
		})
	})

	Context("alloc and free", func() {
		BeforeEach(func() {
			mmu.SwitchProcess(0)
		})

		It("should allocate the smallest free frame", func() {
			for i := 0; i < 5; i++ {
				pfn, err := mmu.AllocPage(vm.VPN(i*20), vm.AccessReadWrite)
				Expect(err).NotTo(HaveOccurred())
				Expect(pfn).To(Equal(vm.PFN(i)))
				Expect(mmu.Frames().RefCount(pfn)).To(Equal(uint32(1)))
			}

			Expect(mmu.FreePage(20)).To(Succeed())
			Expect(mmu.FreePage(60)).To(Succeed())

			pfn, _ := mmu.AllocPage(200, vm.AccessRead)
			Expect(pfn).To(Equal(vm.PFN(1)))
			pfn, _ = mmu.AllocPage(201, vm.AccessRead)
			Expect(pfn).To(Equal(vm.PFN(3)))
			pfn, _ = mmu.AllocPage(202, vm.AccessRead)
			Expect(pfn).To(Equal(vm.PFN(5)))
		})

		It("should install the pte by access mode", func() {
			_, _ = mmu.AllocPage(1, vm.AccessReadWrite)
			_, _ = mmu.AllocPage(2, vm.AccessRead)

			Expect(pteOf(0, 1)).To(Equal(vm.PTE{Valid: true, Writable: true, PFN: 0}))
			Expect(pteOf(0, 2)).To(Equal(vm.PTE{Valid: true, PFN: 1}))
		})

		It("should reject write-only allocations", func() {
			_, err := mmu.AllocPage(1, vm.AccessWrite)

			Expect(err).To(MatchError(vm.ErrWriteOnly))
			Expect(mmu.PTBR().NumValid()).To(Equal(0))
			Expect(mmu.Frames().NumFree()).To(Equal(256))
		})

		It("should reject unknown access modes", func() {
			_, err := mmu.AllocPage(1, vm.AccessMode(0))
			Expect(err).To(MatchError(vm.ErrInvalidAccess))

			_, err = mmu.AllocPage(1, vm.AccessMode(8))
			Expect(err).To(MatchError(vm.ErrInvalidAccess))
		})

		It("should reject vpns outside the address space", func() {
			_, err := mmu.AllocPage(256, vm.AccessRead)
			Expect(err).To(MatchError(vm.ErrVPNOutOfRange))

			Expect(mmu.FreePage(256)).To(MatchError(vm.ErrVPNOutOfRange))
		})

		It("should not allocate a mapped page twice", func() {
			_, _ = mmu.AllocPage(1, vm.AccessRead)

			_, err := mmu.AllocPage(1, vm.AccessReadWrite)

			Expect(err).To(MatchError(vm.ErrAlreadyMapped))
			Expect(mmu.Frames().NumFree()).To(Equal(255))
		})

		It("should leave no trace when frames run out", func() {
			mmu = MakeBuilder().WithNumFrames(2).Build("MMU")
			mmu.SwitchProcess(0)
			_, _ = mmu.AllocPage(0, vm.AccessRead)
			_, _ = mmu.AllocPage(1, vm.AccessRead)

			_, err := mmu.AllocPage(100, vm.AccessReadWrite)

			Expect(err).To(MatchError(vm.ErrNoFreeFrame))
			Expect(mmu.PTBR().HasDirectory(100)).To(BeFalse())
			Expect(mmu.Stats().OutOfMemory).To(Equal(uint64(1)))
		})

		It("should release the frame and the empty directory", func() {
			_, _ = mmu.AllocPage(33, vm.AccessReadWrite)

			Expect(mmu.FreePage(33)).To(Succeed())

			Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(0)))
			Expect(mmu.PTBR().HasDirectory(33)).To(BeFalse())
			Expect(mmu.PTBR().NumDirectories()).To(Equal(0))
		})

		It("should make a freed frame available again", func() {
			pfn, _ := mmu.AllocPage(3, vm.AccessReadWrite)
			Expect(mmu.FreePage(3)).To(Succeed())
			Expect(mmu.Frames().RefCount(pfn)).To(Equal(uint32(0)))

			again, _ := mmu.AllocPage(3, vm.AccessReadWrite)
			Expect(again).To(Equal(pfn))
			Expect(mmu.Frames().RefCount(pfn)).To(Equal(uint32(1)))
		})

		It("should drop the cached translation of a freed page", func() {
			_, _ = mmu.AllocPage(3, vm.AccessReadWrite)
			_, _ = mmu.AllocPage(4, vm.AccessReadWrite)
			_, _ = mmu.Translate(3, vm.AccessRead)
			_, _ = mmu.Translate(4, vm.AccessRead)

			_, found := mmu.LookupTLB(3)
			Expect(found).To(BeTrue())

			Expect(mmu.FreePage(3)).To(Succeed())

			_, found = mmu.LookupTLB(3)
			Expect(found).To(BeFalse())
			_, found = mmu.LookupTLB(4)
			Expect(found).To(BeTrue())
		})

		It("should reject freeing an unmapped page", func() {
			_, _ = mmu.AllocPage(3, vm.AccessReadWrite)

			Expect(mmu.FreePage(4)).To(MatchError(vm.ErrNotMapped))
			Expect(mmu.FreePage(100)).To(MatchError(vm.ErrNotMapped))
			Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(1)))
		})
	})

	Context("translation", func() {
		BeforeEach(func() {
			mmu.SwitchProcess(0)
			_, _ = mmu.AllocPage(10, vm.AccessReadWrite)
			_, _ = mmu.AllocPage(11, vm.AccessRead)
		})

		It("should leave a page alone on a stale fault", func() {
			mmu.SwitchProcess(1)
			pfn, err := mmu.AllocPage(5, vm.AccessReadWrite)
			Expect(err).NotTo(HaveOccurred())

			Expect(mmu.HandlePageFault(5, vm.AccessWrite)).To(Succeed())
			Expect(mmu.HandlePageFault(5, vm.AccessRead)).To(Succeed())

			Expect(pteOf(1, 5)).To(Equal(vm.PTE{
				Valid: true, Writable: true, Sharing: vm.Exclusive, PFN: pfn,
			}))
			Expect(mmu.Frames().RefCount(pfn)).To(Equal(uint32(1)))
			Expect(mmu.Frames().NumFree()).To(Equal(mmu.Frames().NumFrames() - 1))
			Expect(mmu.Stats().COWCopies + mmu.Stats().COWReuses).To(BeZero())
			Expect(mmu.Stats().AccessViolations).To(BeZero())
		})

		It("should walk on a miss and hit afterwards", func() {
			pfn, err := mmu.Translate(10, vm.AccessRead)
			Expect(err).NotTo(HaveOccurred())
			Expect(pfn).To(Equal(vm.PFN(0)))

			pfn, err = mmu.Translate(10, vm.AccessWrite)
			Expect(err).NotTo(HaveOccurred())
			Expect(pfn).To(Equal(vm.PFN(0)))

			Expect(mmu.Stats().TLBMisses).To(Equal(uint64(1)))
			Expect(mmu.Stats().TLBHits).To(Equal(uint64(1)))
		})

		It("should report a write to a read-only page", func() {
			_, err := mmu.Translate(11, vm.AccessWrite)

			Expect(err).To(MatchError(vm.ErrAccessViolation))
			Expect(pteOf(0, 11)).To(Equal(vm.PTE{Valid: true, PFN: 1}))
			Expect(mmu.Stats().AccessViolations).To(Equal(uint64(1)))
		})

		It("should not let a cached read grant a write", func() {
			_, _ = mmu.Translate(11, vm.AccessRead)

			_, err := mmu.Translate(11, vm.AccessWrite)

			Expect(err).To(MatchError(vm.ErrAccessViolation))
		})

		It("should report accesses to unmapped pages", func() {
			_, err := mmu.Translate(12, vm.AccessRead)
			Expect(err).To(MatchError(vm.ErrAccessViolation))

			_, err = mmu.Translate(200, vm.AccessRead)
			Expect(err).To(MatchError(vm.ErrAccessViolation))
		})

		It("should treat a fault on an accessible page as resolved", func() {
			Expect(mmu.HandlePageFault(10, vm.AccessWrite)).To(Succeed())
			Expect(pteOf(0, 10).PFN).To(Equal(vm.PFN(0)))
		})

		It("should cache the write permission of the page", func() {
			mmu.InsertTLB(10, 0)
			mmu.InsertTLB(11, 1)

			e, _ := mmu.TLB().Lookup(10)
			Expect(e.Writable).To(BeTrue())
			e, _ = mmu.TLB().Lookup(11)
			Expect(e.Writable).To(BeFalse())
		})
	})

	Context("fork", func() {
		BeforeEach(func() {
			mmu.SwitchProcess(0)
			_, _ = mmu.AllocPage(0, vm.AccessReadWrite)
			_, _ = mmu.AllocPage(1, vm.AccessRead)
			_, _ = mmu.Translate(0, vm.AccessRead)

			mmu.SwitchProcess(1)
		})

		It("should make the child current and queue the parent", func() {
			Expect(mmu.Current().PID).To(Equal(vm.PID(1)))
			Expect(mmu.PTBR()).To(BeIdenticalTo(mmu.Current().PageTable))
			Expect(mmu.ReadyQueue().PIDs()).To(Equal([]vm.PID{0}))
			Expect(mmu.Stats().Forks).To(Equal(uint64(1)))
		})

		It("should share writable pages copy-on-write", func() {
			cow := vm.PTE{Valid: true, Sharing: vm.Shared, PFN: 0}

			Expect(pteOf(0, 0)).To(Equal(cow))
			Expect(pteOf(1, 0)).To(Equal(cow))
			Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(2)))
		})

		It("should share read-only pages unchanged", func() {
			ro := vm.PTE{Valid: true, PFN: 1}

			Expect(pteOf(0, 1)).To(Equal(ro))
			Expect(pteOf(1, 1)).To(Equal(ro))
			Expect(mmu.Frames().RefCount(1)).To(Equal(uint32(2)))
		})

		It("should flush the TLB", func() {
			_, found := mmu.LookupTLB(0)
			Expect(found).To(BeFalse())
			Expect(mmu.TLB().NumValid()).To(Equal(0))
		})

		It("should give the writer its own frame", func() {
			pfn, err := mmu.Translate(0, vm.AccessWrite)

			Expect(err).NotTo(HaveOccurred())
			Expect(pfn).To(Equal(vm.PFN(2)))
			Expect(pteOf(1, 0)).To(Equal(vm.PTE{Valid: true, Writable: true, PFN: 2}))
			Expect(mmu.Frames().RefCount(2)).To(Equal(uint32(1)))
			Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(1)))
			Expect(pteOf(0, 0)).To(Equal(vm.PTE{Valid: true, Sharing: vm.Shared, PFN: 0}))
			Expect(mmu.Stats().COWCopies).To(Equal(uint64(1)))
		})

		It("should fault on a write after a cached read", func() {
			_, _ = mmu.Translate(0, vm.AccessRead)

			pfn, err := mmu.Translate(0, vm.AccessWrite)

			Expect(err).NotTo(HaveOccurred())
			Expect(pfn).To(Equal(vm.PFN(2)))
			cached, _ := mmu.LookupTLB(0)
			Expect(cached).To(Equal(vm.PFN(2)))
		})

		It("should still refuse writes to read-only pages", func() {
			_, err := mmu.Translate(1, vm.AccessWrite)

			Expect(err).To(MatchError(vm.ErrAccessViolation))
			Expect(mmu.Frames().RefCount(1)).To(Equal(uint32(2)))
		})

		It("should keep the sharer's frame when one side frees", func() {
			Expect(mmu.FreePage(0)).To(Succeed())

			Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(1)))
			Expect(pteOf(0, 0).PFN).To(Equal(vm.PFN(0)))

			mmu.SwitchProcess(0)
			pfn, err := mmu.Translate(0, vm.AccessWrite)

			Expect(err).NotTo(HaveOccurred())
			Expect(pfn).To(Equal(vm.PFN(0)))
			Expect(mmu.Stats().COWReuses).To(Equal(uint64(1)))
		})

		It("should fail the copy without side effects when frames run out", func() {
			mmu = MakeBuilder().WithNumFrames(1).Build("MMU")
			mmu.SwitchProcess(0)
			_, _ = mmu.AllocPage(0, vm.AccessReadWrite)
			mmu.SwitchProcess(1)

			_, err := mmu.Translate(0, vm.AccessWrite)

			Expect(err).To(MatchError(vm.ErrNoFreeFrame))
			Expect(pteOf(1, 0)).To(Equal(vm.PTE{Valid: true, Sharing: vm.Shared, PFN: 0}))
			Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(2)))
		})

		It("should count a grandchild as another sharer", func() {
			mmu.SwitchProcess(2)

			Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(3)))
			Expect(mmu.ReadyQueue().PIDs()).To(Equal([]vm.PID{1, 0}))
		})
	})

	Context("switch to a ready process", func() {
		BeforeEach(func() {
			mmu.SwitchProcess(0)
			mmu.SwitchProcess(1)
			_, _ = mmu.AllocPage(5, vm.AccessReadWrite)
			_, _ = mmu.AllocPage(6, vm.AccessRead)
			_, _ = mmu.Translate(5, vm.AccessWrite)

			mmu.SwitchProcess(0)
		})

		It("should resume the process and queue the other one", func() {
			Expect(mmu.Current().PID).To(Equal(vm.PID(0)))
			Expect(mmu.PTBR()).To(BeIdenticalTo(mmu.Current().PageTable))
			Expect(mmu.ReadyQueue().PIDs()).To(Equal([]vm.PID{1}))
			Expect(mmu.Stats().Switches).To(Equal(uint64(1)))
		})

		It("should mark the outgoing writable pages copy-on-write", func() {
			Expect(pteOf(1, 5)).To(Equal(vm.PTE{Valid: true, Sharing: vm.Shared, PFN: 0}))
			Expect(pteOf(1, 6)).To(Equal(vm.PTE{Valid: true, PFN: 1}))
		})

		It("should not return translations of the previous process", func() {
			_, found := mmu.LookupTLB(5)
			Expect(found).To(BeFalse())

			_, err := mmu.Translate(5, vm.AccessRead)
			Expect(err).To(MatchError(vm.ErrAccessViolation))
		})

		It("should let the resumed owner write without a copy", func() {
			mmu.SwitchProcess(1)

			pfn, err := mmu.Translate(5, vm.AccessWrite)

			Expect(err).NotTo(HaveOccurred())
			Expect(pfn).To(Equal(vm.PFN(0)))
			Expect(pteOf(1, 5)).To(Equal(vm.PTE{Valid: true, Writable: true, PFN: 0}))
		})

		It("should ignore a switch to the running process", func() {
			_, _ = mmu.AllocPage(5, vm.AccessReadWrite)
			_, _ = mmu.Translate(5, vm.AccessRead)

			mmu.SwitchProcess(0)

			_, found := mmu.LookupTLB(5)
			Expect(found).To(BeTrue())
			Expect(pteOf(0, 5).Writable).To(BeTrue())
			Expect(mmu.Stats().Switches).To(Equal(uint64(1)))
		})
	})

	It("should follow the copy-on-write walkthrough", func() {
		mmu.SwitchProcess(0)

		pfn, err := mmu.AllocPage(0, vm.AccessReadWrite)
		Expect(err).NotTo(HaveOccurred())
		Expect(pfn).To(Equal(vm.PFN(0)))
		Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(1)))

		mmu.SwitchProcess(1)
		Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(2)))

		pfn, err = mmu.Translate(0, vm.AccessWrite)
		Expect(err).NotTo(HaveOccurred())
		Expect(pfn).To(Equal(vm.PFN(1)))
		Expect(mmu.Frames().RefCount(1)).To(Equal(uint32(1)))
		Expect(mmu.Frames().RefCount(0)).To(Equal(uint32(1)))
		Expect(pteOf(0, 0)).To(Equal(vm.PTE{Valid: true, Sharing: vm.Shared, PFN: 0}))

		mmu.SwitchProcess(0)
		pfn, err = mmu.Translate(0, vm.AccessWrite)
		Expect(err).NotTo(HaveOccurred())
		Expect(pfn).To(Equal(vm.PFN(0)))
		Expect(pteOf(0, 0)).To(Equal(vm.PTE{Valid: true, Writable: true, PFN: 0}))
		Expect(mmu.Frames().NumFree()).To(Equal(254))
	})

	Context("hooks", func() {
		var (
			mockCtrl *gomock.Controller
			hook     *MockHook
			seen     []string
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			hook = NewMockHook(mockCtrl)
			seen = nil

			hook.EXPECT().
				Func(gomock.Any()).
				Do(func(ctx sim.HookCtx) {
					Expect(ctx.Domain).To(BeIdenticalTo(mmu))
					Expect(ctx.Item).To(BeAssignableToTypeOf(Event{}))
					seen = append(seen, ctx.Pos.Name)
				}).
				AnyTimes()

			mmu.AcceptHook(hook)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should report what the MMU does", func() {
			mmu.SwitchProcess(0)
			_, _ = mmu.AllocPage(0, vm.AccessReadWrite)
			_, _ = mmu.Translate(0, vm.AccessRead)
			_, _ = mmu.Translate(0, vm.AccessRead)
			mmu.SwitchProcess(1)
			_, _ = mmu.Translate(0, vm.AccessWrite)
			_, _ = mmu.Translate(9, vm.AccessRead)
			mmu.SwitchProcess(0)
			_ = mmu.FreePage(0)

			Expect(seen).To(Equal([]string{
				"Boot",
				"Alloc",
				"TLBMiss",
				"TLBHit",
				"Fork",
				"TLBMiss",
				"PageFault",
				"COWCopy",
				"TLBMiss",
				"PageFault",
				"Violation",
				"Switch",
				"Free",
			}))
		})

		It("should carry the details in the event", func() {
			var events []Event
			mmu.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				events = append(events, ctx.Item.(Event))
			}))

			mmu.SwitchProcess(4)
			_, _ = mmu.AllocPage(3, vm.AccessRead)
			mmu.SwitchProcess(5)

			Expect(events).To(Equal([]Event{
				{PID: 4},
				{PID: 4, VPN: 3, PFN: 0, Mode: vm.AccessRead},
				{PID: 5, FromPID: 4},
			}))
		})
	})

	It("should stay consistent under a random workload", func() {
		mmu = MakeBuilder().WithNumFrames(12).WithNumTLBEntries(4).Build("MMU")
		mmu.SwitchProcess(0)

		r := rand.New(rand.NewSource(42))
		modes := []vm.AccessMode{vm.AccessRead, vm.AccessWrite, vm.AccessReadWrite}

		for i := 0; i < 2000; i++ {
			vpn := vm.VPN(r.Intn(24))
			mode := modes[r.Intn(len(modes))]

			switch r.Intn(10) {
			case 0, 1:
				_, _ = mmu.AllocPage(vpn, mode)
			case 2:
				_ = mmu.FreePage(vpn)
			case 3:
				mmu.SwitchProcess(vm.PID(r.Intn(4)))
			default:
				pfn, err := mmu.Translate(vpn, mode)
				if err == nil {
					pte := pteOf(mmu.Current().PID, vpn)
					Expect(pte.PFN).To(Equal(pfn))
					if mode.IsWrite() {
						Expect(mmu.Frames().RefCount(pfn)).To(Equal(uint32(1)))
					}
				}
			}

			Expect(mmu.Verify()).To(Succeed())
		}
	})
})

var _ = Describe("Builder", func() {
	It("should build the requested geometry", func() {
		m := MakeBuilder().WithLog2PTEsPerPage(2).Build("MMU")

		Expect(m.Geometry().NumVPNs()).To(Equal(16))
	})

	It("should refuse geometries that do not fit a vpn", func() {
		Expect(func() { MakeBuilder().WithLog2PTEsPerPage(0).Build("MMU") }).
			To(Panic())
		Expect(func() { MakeBuilder().WithLog2PTEsPerPage(16).Build("MMU") }).
			To(Panic())
		Expect(func() { MakeBuilder().WithLog2PTEsPerPage(32).Build("MMU") }).
			To(Panic())
	})
})
