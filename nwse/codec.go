package nwse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// The text form holds one line per record: a record type followed by
// space-separated key=value fields. Values holding whitespace, '=' or '"'
// are written as Go quoted strings.
//
//	genome id=3 generation=2
//	receptor id=1 name=dx category="goal offset" group=env sections=20 level=0 generation=0
//	handler id=7 function=diff inputs=1;2 generation=1
//	inference id=9 dimensions=5-0,5-1,6-1 generation=1
//	effector id=10 receptor=6 generation=0
//	handler bundle=1 id=4 function=sum inputs=1;2 generation=0
//	inference bundle=1 id=5 dimensions=4-0,4-1,6-1 generation=0
//	suppressed name=dx@0<-dx@1,turn@1
//
// Records carrying bundle=k belong to the k-th reinforced bundle rather than
// to the genome; the bundle's inference record follows its upstream records.
// Gene names are not stored; ParseGenome derives them from the structure.

// WriteGenome serializes g to w.
func WriteGenome(w io.Writer, g *Genome) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "genome id=%d generation=%d\n", g.ID, g.Generation)
	for _, gene := range g.Genes() {
		writeGene(bw, gene, 0)
	}

	keys := make([]string, 0, len(g.Reinforced))
	for name := range g.Reinforced {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for i, name := range keys {
		b := g.Reinforced[name]
		for _, up := range b.Upstream {
			writeGene(bw, up, i+1)
		}
		writeGene(bw, b.Gene, i+1)
	}

	for _, ledger := range []struct {
		kind  string
		names map[string]bool
	}{{"valid", g.Valid}, {"invalid", g.Invalid}, {"suppressed", g.Suppressed}} {
		names := make([]string, 0, len(ledger.names))
		for name := range ledger.names {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(bw, "%s name=%s\n", ledger.kind, fieldValue(name))
		}
	}
	return bw.Flush()
}

func writeGene(w io.Writer, gene *Gene, bundle int) {
	prefix := gene.Kind.String()
	if bundle > 0 {
		prefix = fmt.Sprintf("%s bundle=%d", prefix, bundle)
	}
	switch gene.Kind {
	case ReceptorKind:
		fmt.Fprintf(w, "%s id=%d name=%s category=%s group=%s sections=%d level=%d generation=%d\n",
			prefix, gene.ID, fieldValue(gene.Name), fieldValue(gene.Category), fieldValue(gene.Group),
			gene.SectionCount, gene.AbstractLevel, gene.Generation)
	case HandlerKind:
		inputs := make([]string, len(gene.Inputs))
		for i, in := range gene.Inputs {
			inputs[i] = strconv.Itoa(in)
		}
		fmt.Fprintf(w, "%s id=%d function=%s inputs=%s generation=%d\n",
			prefix, gene.ID, fieldValue(gene.Function), strings.Join(inputs, ";"), gene.Generation)
	case InferenceKind:
		dims := make([]string, len(gene.Dimensions))
		for i, d := range gene.Dimensions {
			dims[i] = d.String()
		}
		fmt.Fprintf(w, "%s id=%d dimensions=%s generation=%d\n",
			prefix, gene.ID, strings.Join(dims, ","), gene.Generation)
	case EffectorKind:
		fmt.Fprintf(w, "%s id=%d receptor=%d generation=%d\n", prefix, gene.ID, gene.ReceptorID, gene.Generation)
	}
}

// fieldValue quotes s when it would not survive splitting the record on whitespace.
func fieldValue(s string) string {
	if strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '=' || r == '"' || !unicode.IsPrint(r)
	}) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

// MarshalGenome returns the text form of g.
func MarshalGenome(g *Genome) []byte {
	var buf bytes.Buffer
	_ = WriteGenome(&buf, g)
	return buf.Bytes()
}

// ParseGenome reads a genome written by WriteGenome. The result is not
// validated against a configuration; callers materializing it run Validate.
func ParseGenome(r io.Reader) (*Genome, error) {
	var g *Genome
	bundles := make(map[int]*GeneBundle)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kind, fields, err := splitRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if kind == "genome" {
			g = newEmptyGenome(0, 0)
			if g.ID, err = fields.int("id"); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if g.Generation, err = fields.int("generation"); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}
		if g == nil {
			return nil, fmt.Errorf("line %d: %s record before genome header", lineNo, kind)
		}
		if err := g.parseRecord(kind, fields, bundles); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read genome: %w", err)
	}
	if g == nil {
		return nil, fmt.Errorf("missing genome header")
	}
	g.RefreshNames()

	indexes := make([]int, 0, len(bundles))
	for k := range bundles {
		indexes = append(indexes, k)
	}
	sort.Ints(indexes)
	for _, k := range indexes {
		b := bundles[k]
		if b.Gene == nil {
			return nil, fmt.Errorf("bundle %d has no inference record", k)
		}
		names := make(map[int]string, len(b.Upstream))
		for _, up := range b.Upstream {
			names[up.ID] = shapeOf(up, names)
			if up.Kind == HandlerKind {
				up.Name = names[up.ID]
			}
		}
		b.Gene.Name = shapeOf(b.Gene, names)
		g.Reinforced[b.Gene.Name] = *b
	}
	return g, nil
}

// UnmarshalGenome parses the text form of a genome.
func UnmarshalGenome(data []byte) (*Genome, error) {
	return ParseGenome(bytes.NewReader(data))
}

func (g *Genome) parseRecord(kind string, f recordFields, bundles map[int]*GeneBundle) error {
	switch kind {
	case "valid", "invalid", "suppressed":
		name, ok := f["name"]
		if !ok {
			return fmt.Errorf("%s record without name", kind)
		}
		map[string]map[string]bool{"valid": g.Valid, "invalid": g.Invalid, "suppressed": g.Suppressed}[kind][name] = true
		return nil
	}

	gene, err := parseGene(kind, f)
	if err != nil {
		return err
	}

	if _, ok := f["bundle"]; ok {
		k, err := f.int("bundle")
		if err != nil {
			return err
		}
		b := bundles[k]
		if b == nil {
			b = &GeneBundle{}
			bundles[k] = b
		}
		switch {
		case b.Gene != nil:
			return fmt.Errorf("bundle %d continues after its inference record", k)
		case gene.Kind == InferenceKind:
			b.Gene = gene
		case gene.Kind == EffectorKind:
			return fmt.Errorf("bundle %d holds an effector", k)
		default:
			b.Upstream = append(b.Upstream, gene)
		}
		return nil
	}

	switch gene.Kind {
	case ReceptorKind:
		g.Receptors = append(g.Receptors, gene)
	case HandlerKind:
		g.Handlers = append(g.Handlers, gene)
	case InferenceKind:
		g.Inferences = append(g.Inferences, gene)
	case EffectorKind:
		g.Effectors = append(g.Effectors, gene)
	}
	return nil
}

func parseGene(kind string, f recordFields) (*Gene, error) {
	geneKind, err := ParseGeneKind(kind)
	if err != nil {
		return nil, err
	}
	id, err := f.int("id")
	if err != nil {
		return nil, err
	}
	generation, err := f.int("generation")
	if err != nil {
		return nil, err
	}

	switch geneKind {
	case ReceptorKind:
		sections, err := f.int("sections")
		if err != nil {
			return nil, err
		}
		level, err := f.int("level")
		if err != nil {
			return nil, err
		}
		return &Gene{
			ID: id, Kind: ReceptorKind, Name: f["name"], Category: f["category"], Generation: generation,
			Group: f["group"], SectionCount: sections, AbstractLevel: level,
		}, nil
	case HandlerKind:
		var inputs []int
		for _, s := range strings.Split(f["inputs"], ";") {
			if s == "" {
				continue
			}
			in, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("handler %d input '%s': %w", id, s, err)
			}
			inputs = append(inputs, in)
		}
		return NewHandlerGene(id, f["function"], inputs, generation), nil
	case InferenceKind:
		var dims []Dimension
		for _, s := range strings.Split(f["dimensions"], ",") {
			d, err := parseDimension(s)
			if err != nil {
				return nil, fmt.Errorf("inference %d: %w", id, err)
			}
			dims = append(dims, d)
		}
		return NewInferenceGene(id, dims, generation), nil
	default:
		receptor, err := f.int("receptor")
		if err != nil {
			return nil, err
		}
		return NewEffectorGene(id, receptor, generation), nil
	}
}

func parseDimension(s string) (Dimension, error) {
	node, lag, ok := strings.Cut(s, "-")
	if !ok {
		return Dimension{}, fmt.Errorf("malformed dimension '%s': %w", s, ErrBadDimensions)
	}
	id, err := strconv.Atoi(node)
	if err != nil {
		return Dimension{}, fmt.Errorf("dimension '%s' node: %w", s, err)
	}
	t, err := strconv.Atoi(lag)
	if err != nil {
		return Dimension{}, fmt.Errorf("dimension '%s' lag: %w", s, err)
	}
	return Dimension{NodeID: id, Time: t}, nil
}

type recordFields map[string]string

func (f recordFields) int(key string) (int, error) {
	s, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("missing field '%s'", key)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("field '%s': %w", key, err)
	}
	return v, nil
}

// splitRecord splits a trimmed line into its record type and fields.
func splitRecord(line string) (string, recordFields, error) {
	kind, rest := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		kind, rest = line[:i], line[i:]
	}
	fields := make(recordFields)
	for {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if rest == "" {
			return kind, fields, nil
		}
		token := rest
		if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
			token = rest[:i]
		}
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			return "", nil, fmt.Errorf("malformed field '%s'", token)
		}
		rest = rest[len(key)+1:]

		if strings.HasPrefix(value, `"`) {
			quoted, err := strconv.QuotedPrefix(rest)
			if err != nil {
				return "", nil, fmt.Errorf("field '%s': unterminated quoted value", key)
			}
			if value, err = strconv.Unquote(quoted); err != nil {
				return "", nil, fmt.Errorf("field '%s': %w", key, err)
			}
			rest = rest[len(quoted):]
			if rest != "" && !unicode.IsSpace(rune(rest[0])) {
				return "", nil, fmt.Errorf("field '%s': text after quoted value", key)
			}
		} else {
			rest = rest[len(value):]
		}
		fields[key] = value
	}
}
