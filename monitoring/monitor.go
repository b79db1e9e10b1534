// Package monitoring serves the state of running simulations over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/sarchlab/mmusim/driver"
	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/mem/vm/mmu"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Monitor can turn simulations into a server and allows external monitoring
// controlling of the simulations.
type Monitor struct {
	portNumber      int
	profileDuration time.Duration

	lock        sync.Mutex
	simulations []*driver.Simulation

	server *http.Server
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{profileDuration: time.Second}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterSimulation registers a simulation to be monitored.
func (m *Monitor) RegisterSimulation(s *driver.Simulation) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.simulations = append(m.simulations, s)
}

func (m *Monitor) listSimulations() []*driver.Simulation {
	m.lock.Lock()
	defer m.lock.Unlock()

	sims := make([]*driver.Simulation, len(m.simulations))
	copy(sims, m.simulations)

	return sims
}

// Router returns the handler of every monitoring route.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pause)
	r.HandleFunc("/api/continue", m.continueSimulations)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/progress", m.listProgress)
	r.HandleFunc("/api/state/{sim}/{name}", m.serializeState)
	r.HandleFunc("/api/pagetable/{sim}/{pid}", m.listPageTable)
	r.HandleFunc("/api/stats/{sim}", m.listStats)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", url)

	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			dieOnErr(err)
		}
	}()

	return url, nil
}

// StopServer stops a server started by StartServer.
func (m *Monitor) StopServer() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

// OpenBrowser opens url in the default browser.
func (m *Monitor) OpenBrowser(url string) error {
	return browser.OpenURL(url)
}

func (m *Monitor) pause(w http.ResponseWriter, _ *http.Request) {
	for _, s := range m.listSimulations() {
		s.Pause()
	}

	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) continueSimulations(w http.ResponseWriter, _ *http.Request) {
	for _, s := range m.listSimulations() {
		s.Continue()
	}

	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	now := make(map[string]int)
	for _, s := range m.listSimulations() {
		now[s.Name()] = s.Now()
	}

	writeJSON(w, now)
}

type progressRsp struct {
	Name     string `json:"name"`
	Executed int    `json:"executed"`
	Total    int    `json:"total"`
	Paused   bool   `json:"paused"`
	Crashed  bool   `json:"crashed"`
}

func (m *Monitor) listProgress(w http.ResponseWriter, _ *http.Request) {
	rsp := []progressRsp{}
	for _, s := range m.listSimulations() {
		rsp = append(rsp, progressRsp{
			Name:     s.Name(),
			Executed: s.Now(),
			Total:    s.NumEvents(),
			Paused:   s.Paused(),
			Crashed:  s.Crashed(),
		})
	}

	writeJSON(w, rsp)
}

func (m *Monitor) serializeState(w http.ResponseWriter, r *http.Request) {
	s := m.findSimulationOr404(w, mux.Vars(r)["sim"])
	if s == nil {
		return
	}

	depth := 1
	if d := r.URL.Query().Get("depth"); d != "" {
		var err error
		depth, err = strconv.Atoi(d)
		if err != nil || depth < 0 {
			http.Error(w, "invalid depth "+d, http.StatusBadRequest)
			return
		}
	}

	var field []string
	if f := r.URL.Query().Get("field"); f != "" {
		field = strings.Split(f, ".")
	}

	name := mux.Vars(r)["name"]

	s.Inspect(func(machine *mmu.MMU) {
		root := stateRoot(machine, name)
		if root == nil {
			http.Error(w, "no state named "+name, http.StatusNotFound)
			return
		}

		serializer := goseth.NewSerializer()
		serializer.SetRoot(root)
		serializer.SetMaxDepth(depth)

		if field != nil {
			err := serializer.SetEntryPoint(field)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		buf := bytes.NewBuffer(nil)
		err := serializer.Serialize(buf)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		_, err = w.Write(buf.Bytes())
		dieOnErr(err)
	})
}

func stateRoot(m *mmu.MMU, name string) any {
	switch name {
	case "mmu":
		return m
	case "tlb":
		return m.TLB()
	case "frames":
		return m.Frames()
	case "readyqueue":
		return m.ReadyQueue()
	case "current":
		if current := m.Current(); current != nil {
			return current
		}
	}

	return nil
}

func (m *Monitor) listPageTable(w http.ResponseWriter, r *http.Request) {
	s := m.findSimulationOr404(w, mux.Vars(r)["sim"])
	if s == nil {
		return
	}

	pidStr := mux.Vars(r)["pid"]
	pid, err := strconv.ParseUint(pidStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid pid "+pidStr, http.StatusBadRequest)
		return
	}

	var (
		mappings []mmu.Mapping
		found    bool
	)

	s.Inspect(func(machine *mmu.MMU) {
		p, ok := machine.FindProcess(vm.PID(pid))
		if ok {
			found = true
			mappings = mmu.Mappings(p.PageTable)
		}
	})

	if !found {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}

	if mappings == nil {
		mappings = []mmu.Mapping{}
	}

	writeJSON(w, mappings)
}

func (m *Monitor) listStats(w http.ResponseWriter, r *http.Request) {
	s := m.findSimulationOr404(w, mux.Vars(r)["sim"])
	if s == nil {
		return
	}

	var stats mmu.Stats
	s.Inspect(func(machine *mmu.MMU) {
		stats = machine.Stats()
	})

	writeJSON(w, stats)
}

func (m *Monitor) findSimulationOr404(
	w http.ResponseWriter,
	name string,
) *driver.Simulation {
	for _, s := range m.listSimulations() {
		if s.Name() == name {
			return s
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Simulation not found"))
	dieOnErr(err)

	return nil
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
