package scanner

import (
	"fmt"
	"strconv"
	"strings"
)

// Command verbs understood by the scanner's remote interface.
const (
	VerbLogin            = "ConnectToScanner"
	VerbLoadProtocol     = "LoadProtocol"
	VerbSelectTask       = "SelectTask"
	VerbActivateTask     = "ActivateTask"
	VerbPatientTable     = "PatientTable"
	VerbScan             = "Scan"
	VerbSetCVs           = "SetCVs"
	VerbPrescan          = "Prescan"
	VerbGetPrescanValues = "GetPrescanValues"
	VerbGetExamInfo      = "GetExamInfo"
	VerbSetCenterFreq    = "SetCenterFrequency"
	VerbSetShimValues    = "SetShimValues"
	VerbNotify           = "NotifyEvent"

	// WaitForImagesCollected is handled by the writer and never transmitted:
	// it holds back later commands until the previous scan's images arrive.
	WaitForImagesCollected = "WaitForImagesCollected"
)

// Notification events carried by NotifyEvent lines.
const (
	EventImagesReady        = "images-ready"
	EventScanFailed         = "scan-failed"
	EventPrescanDone        = "prescan-done"
	EventAcquisitionStarted = "acquisition-started"
)

func LoadProtocol(name string) string { return fmt.Sprintf("%s site path=%q", VerbLoadProtocol, name) }
func SelectTask() string              { return VerbSelectTask + " taskkey=" }
func ActivateTask() string            { return VerbActivateTask }
func PatientTable() string            { return VerbPatientTable + " advanceToScan" }
func Scan() string                    { return VerbScan }
func GetPrescanValues() string        { return VerbGetPrescanValues }
func GetExamInfo() string             { return VerbGetExamInfo }

func SetCV(name string, value int) string {
	return fmt.Sprintf("%s %s=%d", VerbSetCVs, name, value)
}

// Prescan requests an auto prescan or skips it.
func Prescan(auto bool) string {
	if auto {
		return VerbPrescan + " auto"
	}
	return VerbPrescan + " skip"
}

// SetCenterFrequency sets the transmit/receive centre frequency in Hz.
func SetCenterFrequency(hz int) string {
	return fmt.Sprintf("%s value=%d", VerbSetCenterFreq, hz)
}

// SetShimValues sets the scanner's linear gradient shims.
func SetShimValues(x, y, z int) string {
	return fmt.Sprintf("%s x=%d y=%d z=%d", VerbSetShimValues, x, y, z)
}

// CalibrationLoad builds the composite form "<protocol> | <channel> <amps>":
// the client drives the shim channel first, then loads the protocol, keeping
// both ordered with the rest of the scanner queue.
func CalibrationLoad(protocol string, channel int, amps float64) string {
	return fmt.Sprintf("%s | %d %s", protocol, channel, strconv.FormatFloat(amps, 'f', -1, 64))
}

// SyncedLoopCurrent builds "X <channel> <amps>", a shim set-current routed
// through the scanner queue so it lands between the surrounding scanner
// commands.
func SyncedLoopCurrent(channel int, amps float64) string {
	return fmt.Sprintf("X %d %s", channel, strconv.FormatFloat(amps, 'f', 4, 64))
}

// ParseCalibrationLoad splits the composite calibration form.
func ParseCalibrationLoad(cmd string) (protocol string, channel int, amps float64, ok bool) {
	left, right, found := strings.Cut(cmd, "|")
	if !found {
		return "", 0, 0, false
	}
	protocol = strings.TrimSpace(left)
	fields := strings.Fields(right)
	if protocol == "" || len(fields) != 2 {
		return "", 0, 0, false
	}
	ch, err := strconv.Atoi(fields[0])
	if err != nil {
		return "", 0, 0, false
	}
	a, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, 0, false
	}
	return protocol, ch, a, true
}

// ParseSyncedLoopCurrent parses "X <channel> <amps>".
func ParseSyncedLoopCurrent(cmd string) (channel int, amps float64, ok bool) {
	fields := strings.Fields(cmd)
	if len(fields) != 3 || fields[0] != "X" {
		return 0, 0, false
	}
	ch, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	a, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return ch, a, true
}

// verb returns the first token of a command or reply line.
func verb(line string) string {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}

// reply is a parsed "<Verb> ok k=v ..." or "<Verb> failed <reason>" line.
type reply struct {
	verb   string
	ok     bool
	reason string
	values map[string]string
}

func parseReply(line string) (reply, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return reply{}, false
	}
	r := reply{verb: fields[0], values: map[string]string{}}
	switch fields[1] {
	case "ok":
		r.ok = true
		for _, kv := range fields[2:] {
			if k, v, found := strings.Cut(kv, "="); found {
				r.values[k] = v
			}
		}
	case "failed", "error":
		r.reason = strings.Join(fields[2:], " ")
	default:
		return reply{}, false
	}
	return r, true
}
