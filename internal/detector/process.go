package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// DefaultServiceScript is the detection service looked up when no script is
// configured explicitly.
const DefaultServiceScript = "detect_service.py"

// processIdleTimeout is how long the service may sit unused before it is shut down.
const processIdleTimeout = 30 * time.Second

// ProcessDetector implements Engine by streaming frames to an external
// detection service over stdin/stdout.
//
// Each request is a 4-byte big-endian length followed by a JPEG image. The
// service replies with one JSON line:
//
//	{"detections":[{"class":"car","class_id":2,"confidence":0.91,"bbox":[x1,y1,x2,y2]}]}
type ProcessDetector struct {
	config    Config
	script    string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	idleTimer *time.Timer
}

// NewProcessDetector creates a detector backed by the given service script.
// An empty script falls back to searching for DefaultServiceScript.
// The service process is started lazily on first detection.
func NewProcessDetector(config Config, script string) (*ProcessDetector, error) {
	if script == "" {
		script = findServiceScript(DefaultServiceScript)
	}
	if script == "" {
		return nil, fmt.Errorf("%s not found", DefaultServiceScript)
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("service script: %w", err)
	}

	return &ProcessDetector{
		config: config,
		script: script,
	}, nil
}

// Detect sends frame to the service and returns the detections it reports.
func (d *ProcessDetector) Detect(frame *gocv.Mat) (*Result, error) {
	if frame == nil || frame.Empty() {
		return nil, errors.New("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := d.stdin.Write(length); err != nil {
		d.kill()
		return nil, fmt.Errorf("write length: %w", err)
	}
	if _, err := d.stdin.Write(data); err != nil {
		d.kill()
		return nil, fmt.Errorf("write data: %w", err)
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		d.kill()
		return nil, fmt.Errorf("read response: %w", err)
	}

	dets, err := d.parseResponse(line)
	if err != nil {
		return nil, err
	}

	d.resetIdleTimer()

	return &Result{
		Detections: dets,
		Annotated:  Annotate(*frame, dets),
	}, nil
}

// Close shuts down the service process.
func (d *ProcessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *ProcessDetector) parseResponse(line []byte) ([]Detection, error) {
	var response struct {
		Detections []jsonDetection `json:"detections"`
		Error      string          `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("service: %s", response.Error)
	}

	dets := make([]Detection, 0, len(response.Detections))
	for _, jd := range response.Detections {
		if jd.Confidence < d.config.MinConfidence {
			continue
		}
		dets = append(dets, jd.toDetection(d.config))
	}
	return dets, nil
}

func (d *ProcessDetector) ensureStarted() error {
	if d.started {
		return nil
	}

	pythonPath := findVenvPython()
	if pythonPath == "" {
		pythonPath = "python3"
	}

	args := []string{d.script}
	if d.config.ModelPath != "" && filepath.Ext(d.config.ModelPath) != ".py" {
		args = append(args, "--model", d.config.ModelPath)
	}
	d.cmd = exec.Command(pythonPath, args...)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start detection service: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true

	return nil
}

// kill tears down a service whose pipe broke so the next call restarts it.
func (d *ProcessDetector) kill() {
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.shutdown()
}

func (d *ProcessDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *ProcessDetector) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(processIdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

func findServiceScript(name string) string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", name),
		filepath.Join("..", "scripts", name),
		filepath.Join(execDir, "scripts", name),
		filepath.Join(os.Getenv("HOME"), ".visionedge", "scripts", name),
	}

	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".visionedge/venv/bin/python"),
	}

	return firstExisting(candidates)
}

func firstExisting(candidates []string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// jsonDetection is the wire form produced by the detection service.
type jsonDetection struct {
	Class      string     `json:"class"`
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

func (j jsonDetection) toDetection(config Config) Detection {
	class := j.Class
	if class == "" {
		class = config.ClassName(j.ClassID)
	}
	return Detection{
		Class:      class,
		ClassID:    j.ClassID,
		Confidence: j.Confidence,
		Box: BBox{
			X1: j.BBox[0],
			Y1: j.BBox[1],
			X2: j.BBox[2],
			Y2: j.BBox[3],
		},
	}
}
