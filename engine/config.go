package engine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"saxsctl/engine/internal/reduction"
)

// Config is the public configuration surface for the Instrument facade. It
// mirrors spec.md §6's INI-style `[io]`/`[processing]` file: recognized
// keys are parsed into typed fields with the documented defaults, and
// anything else is preserved verbatim in Extra for forward compatibility.
type Config struct {
	// [io]
	DataDir       string
	Eval2DSubpath string
	MaskSubpath   string
	FSNDigits     int
	HDF5Path      string
	BadFSNsFile   string
	FSNRanges     [][2]int

	// [processing]
	ErrorPropagation         reduction.AverageMethod
	AbscissaErrorPropagation reduction.AverageMethod
	OutlierMethod            string
	StdMultiplier            float64
	LogCorrelMatrix          bool

	// DeviceSpecDir is not an INI key: it names the directory of per-device
	// YAML DeviceSpec manifests (SPEC_FULL.md §0), watched for hot reload
	// by engine/internal/runtime.
	DeviceSpecDir string

	// InboundQueueCapacity bounds every MessageBus queue (spec.md §4.1).
	InboundQueueCapacity int

	// Extra carries any INI key this loader does not recognize by name,
	// so callers can still reach device-specific overrides.
	Extra map[string]string
}

// Defaults returns a Config populated with spec.md §6's documented
// defaults.
func Defaults() Config {
	return Config{
		Eval2DSubpath:            "eval2d",
		MaskSubpath:              "mask",
		FSNDigits:                5,
		ErrorPropagation:         reduction.AverageWeighted,
		AbscissaErrorPropagation: reduction.AverageWeighted,
		OutlierMethod:            "ZScore",
		StdMultiplier:            3.0,
		InboundQueueCapacity:     64,
		Extra:                    map[string]string{},
	}
}

// LoadConfig reads an INI-style file sectioned `[io]`/`[processing]` (spec.md
// §6) from path, applying recognized keys on top of Defaults().
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	defer f.Close()

	section := ""
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return cfg, fmt.Errorf("load config %s:%d: expected key=value, got %q", path, lineNo, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if err := cfg.apply(section, key, value); err != nil {
			return cfg, fmt.Errorf("load config %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) apply(section, key, value string) error {
	switch section {
	case "io":
		switch key {
		case "datadir":
			c.DataDir = value
		case "eval2dsubpath":
			c.Eval2DSubpath = value
		case "masksubpath":
			c.MaskSubpath = value
		case "fsndigits":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("fsndigits: %w", err)
			}
			c.FSNDigits = n
		case "hdf5":
			c.HDF5Path = value
		case "badfsnsfile":
			c.BadFSNsFile = value
		case "fsnranges":
			ranges, err := parseFSNRanges(value)
			if err != nil {
				return fmt.Errorf("fsnranges: %w", err)
			}
			c.FSNRanges = ranges
		default:
			c.Extra["io."+key] = value
		}
	case "processing":
		switch key {
		case "errorpropagation":
			c.ErrorPropagation = parsePropagation(value)
		case "abscissaerrorpropagation":
			c.AbscissaErrorPropagation = parsePropagation(value)
		case "outliermethod":
			c.OutlierMethod = value
		case "std_multiplier":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("std_multiplier: %w", err)
			}
			c.StdMultiplier = f
		case "logcorrelmatrix":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("logcorrelmatrix: %w", err)
			}
			c.LogCorrelMatrix = b
		default:
			c.Extra["processing."+key] = value
		}
	default:
		if section == "" {
			return fmt.Errorf("key %q outside any [section]", key)
		}
		c.Extra[section+"."+key] = value
	}
	return nil
}

func parsePropagation(s string) reduction.AverageMethod {
	switch strings.ToLower(s) {
	case "linear":
		return reduction.AverageLinear
	case "gaussian":
		return reduction.AverageGaussian
	case "conservative":
		return reduction.AverageConservative
	case "standarderrorofmean", "sem":
		return reduction.AverageStandardErrorOfMean
	default:
		return reduction.AverageWeighted
	}
}

// parseFSNRanges parses a list of "(int,int)" tuples, e.g.
// "(1,100),(200,250)".
func parseFSNRanges(value string) ([][2]int, error) {
	var out [][2]int
	rest := value
	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return out, nil
		}
		open := strings.Index(rest, "(")
		shut := strings.Index(rest, ")")
		if open != 0 || shut < 0 {
			return nil, fmt.Errorf("expected (a,b) tuples, got %q", value)
		}
		pair := strings.Split(rest[open+1:shut], ",")
		if len(pair) != 2 {
			return nil, fmt.Errorf("expected (a,b), got %q", rest[open:shut+1])
		}
		a, err := strconv.Atoi(strings.TrimSpace(pair[0]))
		if err != nil {
			return nil, err
		}
		b, err := strconv.Atoi(strings.TrimSpace(pair[1]))
		if err != nil {
			return nil, err
		}
		out = append(out, [2]int{a, b})
		rest = rest[shut+1:]
		rest = strings.TrimPrefix(strings.TrimSpace(rest), ",")
	}
}

// PollIntervalDefault is applied to a DeviceSpec whose manifest omits
// poll_interval; chosen conservatively (well under any watchdog_timeout a
// real device uses).
const PollIntervalDefault = 500 * time.Millisecond
