package split

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"framestore/pkg/domain"
)

// ChannelSet tracks channel labels in ordinal order. Labels declared up
// front (e.g. from a metadata companion file) keep their position; labels
// discovered while parsing file names are appended.
type ChannelSet struct {
	names []string
}

// NewChannelSet seeds the set with pre-declared labels.
func NewChannelSet(names []string) *ChannelSet {
	return &ChannelSet{names: append([]string(nil), names...)}
}

// Ordinal returns the label's position, appending unknown labels.
func (c *ChannelSet) Ordinal(name string) int {
	for i, n := range c.names {
		if n == name {
			return i
		}
	}
	c.names = append(c.names, name)
	return len(c.names) - 1
}

// Name returns the label declared for an ordinal, or "" when the
// ordinal is outside the declared list.
func (c *ChannelSet) Name(ordinal int) string {
	if ordinal >= 0 && ordinal < len(c.names) {
		return c.names[ordinal]
	}
	return ""
}

// SetName records a label at a specific ordinal, growing the set with
// empty slots as needed. A label already declared for the ordinal wins.
func (c *ChannelSet) SetName(ordinal int, label string) {
	if ordinal < 0 {
		return
	}
	for len(c.names) <= ordinal {
		c.names = append(c.names, "")
	}
	if c.names[ordinal] == "" {
		c.names[ordinal] = label
	}
}

// Names returns the labels in ordinal order.
func (c *ChannelSet) Names() []string {
	return append([]string(nil), c.names...)
}

// FrameParser derives a frame index from a file name, resolving channel
// labels against the shared channel set.
type FrameParser func(fileName string, channels *ChannelSet) (domain.FrameIndex, error)

// GlobalParser extracts dataset-level metadata fields from a source name.
type GlobalParser func(name string) (map[string]any, error)

var (
	frameParsers = map[string]FrameParser{
		"parse_idx_from_name": parseIdxFromName,
		"parse_sms_name":      parseSMSName,
	}
	globalParsers = map[string]GlobalParser{
		"parse_ml_name": parseMLName,
	}
)

// RegisterFrameParser adds a named filename-to-index hook.
func RegisterFrameParser(name string, p FrameParser) { frameParsers[name] = p }

// RegisterGlobalParser adds a named filename-to-global-metadata hook.
func RegisterGlobalParser(name string, p GlobalParser) { globalParsers[name] = p }

// DefaultFrameParser is used when Options.FilenameParser is empty.
const DefaultFrameParser = "parse_idx_from_name"

func frameParserFor(name string) (FrameParser, error) {
	if name == "" {
		name = DefaultFrameParser
	}
	p, ok := frameParsers[name]
	if !ok {
		return nil, &domain.FormatError{Value: name, Reason: "unknown filename parser"}
	}
	return p, nil
}

func globalParserFor(name string) (GlobalParser, error) {
	p, ok := globalParsers[name]
	if !ok {
		return nil, &domain.FormatError{Value: name, Reason: "unknown filename parser"}
	}
	return p, nil
}

var idxToken = regexp.MustCompile(`^([czpt])(\d+)$`)

// parseIdxFromName reads names of the im_c###_z###_t###_p### convention.
// All four ordinals must be present. The channel label comes from the
// declared channel list when the ordinal falls inside it; otherwise the
// ordinal's decimal rendering is recorded at that position.
func parseIdxFromName(fileName string, channels *ChannelSet) (domain.FrameIndex, error) {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	var ix domain.FrameIndex
	found := map[byte]bool{}
	for _, tok := range strings.Split(base, "_") {
		m := idxToken.FindStringSubmatch(tok)
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[2])
		if err != nil {
			return domain.FrameIndex{}, err
		}
		switch m[1][0] {
		case 'c':
			ix.Channel = v
		case 'z':
			ix.Slice = v
		case 't':
			ix.Time = v
		case 'p':
			ix.Pos = v
		}
		found[m[1][0]] = true
	}
	for _, axis := range []byte{'c', 'z', 't', 'p'} {
		if !found[axis] {
			return domain.FrameIndex{}, &domain.FormatError{
				Value:  fileName,
				Reason: fmt.Sprintf("missing %c index in file name", axis),
			}
		}
	}
	if name := channels.Name(ix.Channel); name != "" {
		ix.ChannelName = name
	} else {
		ix.ChannelName = strconv.Itoa(ix.Channel)
		channels.SetName(ix.Channel, ix.ChannelName)
	}
	return ix, nil
}

// parseSMSName reads names of the img_channelname_t###_p###_z### form.
// The channel label may itself contain underscores; it is every token
// between the leading prefix and the first axis token. The channel
// ordinal is the label's position in the channel set.
func parseSMSName(fileName string, channels *ChannelSet) (domain.FrameIndex, error) {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	tokens := strings.Split(base, "_")
	if len(tokens) < 4 {
		return domain.FrameIndex{}, &domain.FormatError{Value: fileName, Reason: "expected img_channel_t###_p###_z### naming"}
	}
	tokens = tokens[1:] // drop the img prefix

	var ix domain.FrameIndex
	var nameTokens []string
	found := map[byte]bool{}
	for _, tok := range tokens {
		m := idxToken.FindStringSubmatch(tok)
		if m == nil || m[1][0] == 'c' {
			if len(found) > 0 {
				return domain.FrameIndex{}, &domain.FormatError{Value: fileName, Reason: "channel label after axis tokens"}
			}
			nameTokens = append(nameTokens, tok)
			continue
		}
		v, err := strconv.Atoi(m[2])
		if err != nil {
			return domain.FrameIndex{}, err
		}
		switch m[1][0] {
		case 't':
			ix.Time = v
		case 'p':
			ix.Pos = v
		case 'z':
			ix.Slice = v
		}
		found[m[1][0]] = true
	}
	if len(nameTokens) == 0 || !found['t'] || !found['p'] || !found['z'] {
		return domain.FrameIndex{}, &domain.FormatError{Value: fileName, Reason: "expected img_channel_t###_p###_z### naming"}
	}
	ix.ChannelName = strings.Join(nameTokens, "_")
	ix.Channel = channels.Ordinal(ix.ChannelName)
	return ix, nil
}

// parseMLName reads plate acquisition names of the
// <plate_id>_<stack_nbr>_<protein_name>_*.tif convention.
func parseMLName(name string) (map[string]any, error) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	tokens := strings.Split(base, "_")
	if len(tokens) < 4 {
		return nil, &domain.FormatError{Value: name, Reason: "expected plate_stack_protein naming"}
	}
	stack, err := strconv.Atoi(tokens[1])
	if err != nil {
		return nil, &domain.FormatError{Value: name, Reason: "stack number is not an integer"}
	}
	return map[string]any{
		"plate_id":     tokens[0],
		"stack_nbr":    stack,
		"protein_name": tokens[2],
	}, nil
}

// natLess orders strings naturally: digit runs compare numerically, so
// im_t9 sorts before im_t10.
func natLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		if isDigit(a[0]) && isDigit(b[0]) {
			na, ra := leadingInt(a)
			nb, rb := leadingInt(b)
			if na != nb {
				return na < nb
			}
			a, b = ra, rb
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func leadingInt(s string) (int64, string) {
	i := 0
	var n int64
	for i < len(s) && isDigit(s[i]) {
		n = n*10 + int64(s[i]-'0')
		i++
	}
	return n, s[i:]
}
