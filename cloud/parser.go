package cloud

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Format identifies an on-disk point cloud encoding.
type Format string

const (
	FormatXYZ Format = "xyz"
	FormatPLY Format = "ply"
	FormatOFF Format = "off"
	FormatPCD Format = "pcd"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "xyz", "pts", "txt":
		return FormatXYZ, nil
	case "ply":
		return FormatPLY, nil
	case "off":
		return FormatOFF, nil
	case "pcd":
		return FormatPCD, nil
	}
	return "", fmt.Errorf("unsupported point cloud extension %q", filepath.Ext(path))
}

// Load reads a point cloud file, choosing the decoder from the extension.
func Load(path string) (*PointCloud, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cloud file: %w", err)
	}
	defer f.Close()

	pc, err := Parse(f, format)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return pc, nil
}

// Parse decodes a point cloud in the given format.
func Parse(r io.Reader, format Format) (*PointCloud, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	switch format {
	case FormatXYZ:
		return parseXYZ(sc)
	case FormatPLY:
		return parsePLY(sc)
	case FormatOFF:
		return parseOFF(sc)
	case FormatPCD:
		return parsePCD(sc)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// Save writes pc to path in the format implied by the extension.
func Save(path string, pc *PointCloud) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cloud file: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := Write(w, pc, format); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing cloud file: %w", err)
	}
	return f.Close()
}

// Write encodes pc in the given format. OFF output is not supported.
func Write(w io.Writer, pc *PointCloud, format Format) error {
	normals := pc.HasNormals()
	var err error
	switch format {
	case FormatXYZ:
		// no header
	case FormatPLY:
		props := "property double x\nproperty double y\nproperty double z\n"
		if normals {
			props += "property double nx\nproperty double ny\nproperty double nz\n"
		}
		_, err = fmt.Fprintf(w, "ply\nformat ascii 1.0\nelement vertex %d\n%send_header\n", pc.Len(), props)
	case FormatPCD:
		fields, size, typ, count := "x y z", "8 8 8", "F F F", "1 1 1"
		if normals {
			fields += " normal_x normal_y normal_z"
			size += " 8 8 8"
			typ += " F F F"
			count += " 1 1 1"
		}
		_, err = fmt.Fprintf(w, "# .PCD v0.7 - Point Cloud Data file format\nVERSION 0.7\nFIELDS %s\nSIZE %s\nTYPE %s\nCOUNT %s\nWIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA ascii\n",
			fields, size, typ, count, pc.Len(), pc.Len())
	default:
		return fmt.Errorf("writing %s clouds is not supported", format)
	}
	if err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, p := range pc.Points {
		line := formatVector(p)
		if normals {
			line += " " + formatVector(pc.Normals[i])
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return fmt.Errorf("writing point %d: %w", i, err)
		}
	}
	return nil
}

func formatVector(v r3.Vector) string {
	return strconv.FormatFloat(v.X, 'g', -1, 64) + " " +
		strconv.FormatFloat(v.Y, 'g', -1, 64) + " " +
		strconv.FormatFloat(v.Z, 'g', -1, 64)
}

// parseFloats converts whitespace-separated fields to numbers.
func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing number %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}

// parseXYZ reads "x y z" or "x y z nx ny nz" lines. Normals are kept only
// when every line has them.
func parseXYZ(sc *bufio.Scanner) (*PointCloud, error) {
	pc := &PointCloud{}
	var normals []r3.Vector
	allNormals := true
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		vals, err := parseFloats(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(vals) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 values, got %d", line, len(vals))
		}
		pc.Points = append(pc.Points, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
		if len(vals) >= 6 {
			normals = append(normals, r3.Vector{X: vals[3], Y: vals[4], Z: vals[5]})
		} else {
			allNormals = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	if allNormals && len(normals) == len(pc.Points) && len(normals) > 0 {
		pc.Normals = normals
	}
	return pc, nil
}

// propertyColumns maps x/y/z and normal property names to column positions.
type propertyColumns struct {
	x, y, z    int
	nx, ny, nz int
	width      int
}

func newPropertyColumns() propertyColumns {
	return propertyColumns{x: -1, y: -1, z: -1, nx: -1, ny: -1, nz: -1}
}

func (c *propertyColumns) add(name string) {
	switch name {
	case "x":
		c.x = c.width
	case "y":
		c.y = c.width
	case "z":
		c.z = c.width
	case "nx", "normal_x":
		c.nx = c.width
	case "ny", "normal_y":
		c.ny = c.width
	case "nz", "normal_z":
		c.nz = c.width
	}
	c.width++
}

func (c propertyColumns) hasNormals() bool {
	return c.nx >= 0 && c.ny >= 0 && c.nz >= 0
}

// maxPreallocPoints bounds the capacity reserved from a header count; larger
// clouds grow as rows are read.
const maxPreallocPoints = 1 << 16

// parseCount parses a point count from a file header.
func parseCount(field string) (int, error) {
	n, err := strconv.Atoi(field)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}

// readRows reads n rows of numeric columns into pc.
func (c propertyColumns) readRows(sc *bufio.Scanner, n int) (*PointCloud, error) {
	if c.x < 0 || c.y < 0 || c.z < 0 {
		return nil, fmt.Errorf("missing x, y or z property")
	}
	capacity := min(n, maxPreallocPoints)
	pc := &PointCloud{Points: make([]r3.Vector, 0, capacity)}
	if c.hasNormals() {
		pc.Normals = make([]r3.Vector, 0, capacity)
	}
	for len(pc.Points) < n {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("scanning: %w", err)
			}
			return nil, fmt.Errorf("expected %d points, got %d", n, len(pc.Points))
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < c.width {
			return nil, fmt.Errorf("point %d: expected %d values, got %d", len(pc.Points), c.width, len(fields))
		}
		vals, err := parseFloats(fields[:c.width])
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", len(pc.Points), err)
		}
		pc.Points = append(pc.Points, r3.Vector{X: vals[c.x], Y: vals[c.y], Z: vals[c.z]})
		if c.hasNormals() {
			pc.Normals = append(pc.Normals, r3.Vector{X: vals[c.nx], Y: vals[c.ny], Z: vals[c.nz]})
		}
	}
	if len(pc.Points) == 0 {
		pc.Normals = nil
	}
	return pc, nil
}

// parsePLY reads ASCII PLY vertices. Other elements that follow the vertex
// element are ignored.
func parsePLY(sc *bufio.Scanner) (*PointCloud, error) {
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "ply" {
		return nil, fmt.Errorf("missing ply magic")
	}

	cols := newPropertyColumns()
	vertices := -1
	inVertex := false
	vertexFirst := true
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, fmt.Errorf("only ascii ply is supported")
			}
		case "element":
			if len(fields) < 3 {
				return nil, fmt.Errorf("malformed element line %q", sc.Text())
			}
			inVertex = fields[1] == "vertex"
			if inVertex {
				n, err := parseCount(fields[2])
				if err != nil {
					return nil, fmt.Errorf("parsing vertex count: %w", err)
				}
				vertices = n
			} else if vertices < 0 {
				vertexFirst = false
			}
		case "property":
			if inVertex {
				if len(fields) >= 3 && fields[1] == "list" {
					return nil, fmt.Errorf("list properties on vertices are not supported")
				}
				cols.add(fields[len(fields)-1])
			}
		case "end_header":
			if vertices < 0 {
				return nil, fmt.Errorf("no vertex element")
			}
			if !vertexFirst {
				return nil, fmt.Errorf("vertex element must come first")
			}
			return cols.readRows(sc, vertices)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	return nil, fmt.Errorf("missing end_header")
}

// parseOFF reads the vertex block of an OFF (or NOFF) file; faces are ignored.
func parseOFF(sc *bufio.Scanner) (*PointCloud, error) {
	next := func() ([]string, bool) {
		for sc.Scan() {
			text := strings.TrimSpace(sc.Text())
			if i := strings.IndexByte(text, '#'); i >= 0 {
				text = strings.TrimSpace(text[:i])
			}
			if text != "" {
				return strings.Fields(text), true
			}
		}
		return nil, false
	}

	fields, ok := next()
	if !ok || !strings.HasSuffix(fields[0], "OFF") {
		return nil, fmt.Errorf("missing OFF magic")
	}
	withNormals := strings.HasPrefix(fields[0], "N")
	counts := fields[1:]
	if len(counts) == 0 {
		if counts, ok = next(); !ok {
			return nil, fmt.Errorf("missing OFF counts")
		}
	}
	n, err := parseCount(counts[0])
	if err != nil {
		return nil, fmt.Errorf("parsing vertex count: %w", err)
	}

	cols := propertyColumns{x: 0, y: 1, z: 2, nx: -1, ny: -1, nz: -1, width: 3}
	if withNormals {
		cols.nx, cols.ny, cols.nz, cols.width = 3, 4, 5, 6
	}
	return cols.readRows(sc, n)
}

// parsePCD reads ASCII PCD files with x, y, z and optional normal fields.
func parsePCD(sc *bufio.Scanner) (*PointCloud, error) {
	cols := newPropertyColumns()
	points := -1
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		switch strings.ToUpper(fields[0]) {
		case "FIELDS":
			for _, name := range fields[1:] {
				cols.add(name)
			}
		case "COUNT":
			for _, c := range fields[1:] {
				if c != "1" {
					return nil, fmt.Errorf("multi-count pcd fields are not supported")
				}
			}
		case "POINTS":
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed POINTS line")
			}
			n, err := parseCount(fields[1])
			if err != nil {
				return nil, fmt.Errorf("parsing point count: %w", err)
			}
			points = n
		case "DATA":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, fmt.Errorf("only ascii pcd is supported")
			}
			if points < 0 {
				return nil, fmt.Errorf("missing POINTS header")
			}
			return cols.readRows(sc, points)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	return nil, fmt.Errorf("missing DATA header")
}
