// Reads and writes the "parameters" tEXt chunk used by Stable Diffusion web UIs.
// Chunk parsing adapted from https://github.com/parsiya/Go-Security/blob/master/png-tests/png-chunk-extraction.go

package png_info

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// 89 50 4E 47 0D 0A 1A 0A
var pngHeader = "\x89\x50\x4E\x47\x0D\x0A\x1A\x0A"

const parametersKeyword = "parameters"

// Each chunk starts with a uint32 length (big endian), then 4 byte name,
// then data and finally the CRC32 of type and data.
type chunk struct {
	CType string
	Data  []byte
	Crc32 []byte
}

func (c *chunk) populate(r io.Reader) error {
	buf := make([]byte, 4)

	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(buf)

	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}

	c.CType = string(buf)

	c.Data = make([]byte, length)
	if _, err := io.ReadFull(r, c.Data); err != nil {
		return err
	}

	c.Crc32 = make([]byte, 4)
	if _, err := io.ReadFull(r, c.Crc32); err != nil {
		return err
	}

	return nil
}

func (c *chunk) write(w io.Writer) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[:4], uint32(len(c.Data)))
	copy(header[4:], c.CType)

	crc := crc32.NewIEEE()
	_, _ = crc.Write(header[4:])
	_, _ = crc.Write(c.Data)

	sum := make([]byte, 4)
	binary.BigEndian.PutUint32(sum, crc.Sum32())

	for _, part := range [][]byte{header, c.Data, sum} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}

	return nil
}

func readChunks(data []byte) ([]*chunk, error) {
	if len(data) < len(pngHeader) || string(data[:len(pngHeader)]) != pngHeader {
		return nil, errors.New("wrong PNG header")
	}

	r := bytes.NewReader(data[len(pngHeader):])

	var chunks []*chunk

	for {
		var c chunk

		err := c.populate(r)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading PNG chunk: %w", err)
		}

		chunks = append(chunks, &c)

		if c.CType == "IEND" {
			break
		}
	}

	if len(chunks) == 0 || chunks[0].CType != "IHDR" {
		return nil, errors.New("missing IHDR chunk")
	}

	return chunks, nil
}

type PNGInfo struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	CfgScale       float64
	Seed           int64
	Width          int
	Height         int
	// DenoisingStrength and HiresBase are zero unless hi-res fix ran.
	DenoisingStrength float64
	HiresBase         int
}

// String renders the info the way the A1111 web UI writes it.
func (p *PNGInfo) String() string {
	var b strings.Builder

	b.WriteString(p.Prompt)

	if p.NegativePrompt != "" {
		b.WriteString("\nNegative prompt: ")
		b.WriteString(p.NegativePrompt)
	}

	fmt.Fprintf(&b, "\nSteps: %d, CFG scale: %s, Seed: %d, Size: %dx%d",
		p.Steps, strconv.FormatFloat(p.CfgScale, 'f', -1, 64), p.Seed, p.Width, p.Height)

	if p.HiresBase > 0 {
		fmt.Fprintf(&b, ", Denoising strength: %s, Hires base: %d",
			strconv.FormatFloat(p.DenoisingStrength, 'f', -1, 64), p.HiresBase)
	}

	return b.String()
}

// Embed returns pngData with a parameters tEXt chunk inserted after IHDR.
// An existing parameters chunk is replaced.
func Embed(pngData []byte, info *PNGInfo) ([]byte, error) {
	chunks, err := readChunks(pngData)
	if err != nil {
		return nil, err
	}

	text := &chunk{
		CType: "tEXt",
		Data:  []byte(parametersKeyword + "\x00" + info.String()),
	}

	out := new(bytes.Buffer)
	out.WriteString(pngHeader)

	for i, c := range chunks {
		if c.CType == "tEXt" && bytes.HasPrefix(c.Data, []byte(parametersKeyword+"\x00")) {
			continue
		}

		if err := c.write(out); err != nil {
			return nil, err
		}

		if i == 0 {
			if err := text.write(out); err != nil {
				return nil, err
			}
		}
	}

	return out.Bytes(), nil
}

type extractorImpl struct {
	chunks []*chunk
}

type Config struct {
	PngData []byte
}

func New(cfg Config) (Extractor, error) {
	if cfg.PngData == nil {
		return nil, errors.New("png data is nil")
	}

	chunks, err := readChunks(cfg.PngData)
	if err != nil {
		return nil, err
	}

	return &extractorImpl{chunks: chunks}, nil
}

// paramRegex matches one "Key: value" pair of the trailing parameters line.
var paramRegex = regexp.MustCompile(`\s*([\w ]+):\s*([^,]*)(?:,|$)`)

// minParams is the number of pairs a last line needs to be read as parameters
// rather than as part of the prompt.
const minParams = 3

func (e *extractorImpl) ExtractDiffusionInfo() (*PNGInfo, error) {
	for _, c := range e.chunks {
		if c.CType != "tEXt" {
			continue
		}

		text, found := strings.CutPrefix(string(c.Data), parametersKeyword+"\x00")
		if !found {
			continue
		}

		return parseParameters(text)
	}

	return &PNGInfo{}, nil
}

// parseParameters reads the text written by String. The last line holds the
// parameters, a line starting with "Negative prompt: " starts the negative
// prompt and everything before it is the prompt.
func parseParameters(text string) (*PNGInfo, error) {
	lines := strings.Split(text, "\n")
	info := &PNGInfo{}

	last := lines[len(lines)-1]
	pairs := paramRegex.FindAllStringSubmatch(last, -1)

	if len(pairs) >= minParams {
		lines = lines[:len(lines)-1]

		err := info.applyParams(pairs)
		if err != nil {
			return nil, err
		}
	}

	var prompt, negative []string

	inNegative := false

	for _, line := range lines {
		if !inNegative {
			if rest, ok := strings.CutPrefix(line, "Negative prompt: "); ok {
				inNegative = true
				negative = append(negative, rest)

				continue
			}

			prompt = append(prompt, line)

			continue
		}

		negative = append(negative, line)
	}

	info.Prompt = strings.Join(prompt, "\n")
	info.NegativePrompt = strings.Join(negative, "\n")

	return info, nil
}

func (p *PNGInfo) applyParams(pairs [][]string) error {
	var err error

	for _, pair := range pairs {
		key, value := strings.TrimSpace(pair[1]), strings.TrimSpace(pair[2])

		switch key {
		case "Steps":
			p.Steps, err = strconv.Atoi(value)
		case "CFG scale":
			p.CfgScale, err = strconv.ParseFloat(value, 64)
		case "Seed":
			p.Seed, err = strconv.ParseInt(value, 10, 64)
		case "Size":
			err = p.applySize(value)
		case "Denoising strength":
			p.DenoisingStrength, err = strconv.ParseFloat(value, 64)
		case "Hires base":
			p.HiresBase, err = strconv.Atoi(value)
		}

		if err != nil {
			return fmt.Errorf("parsing %q: %w", key, err)
		}
	}

	return nil
}

func (p *PNGInfo) applySize(value string) error {
	width, height, found := strings.Cut(value, "x")
	if !found {
		return errors.New("missing x separator")
	}

	var err error

	if p.Width, err = strconv.Atoi(width); err != nil {
		return err
	}

	p.Height, err = strconv.Atoi(height)

	return err
}
