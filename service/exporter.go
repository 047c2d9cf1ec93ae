package service

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aviralgarg05/Image-to-3d/model"
)

// ObjExporter 将网格写为 OBJ 文本
type ObjExporter struct{}

func NewObjExporter() *ObjExporter {
	return &ObjExporter{}
}

// Export 将 mesh 写入临时文件
func (e *ObjExporter) Export(mesh *model.Mesh, dst *Artifact) error {
	if err := ValidateMesh(mesh); err != nil {
		return model.NewError(model.KindExport, "export mesh", err)
	}

	f, err := os.OpenFile(dst.Path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return model.NewError(model.KindExport, "open export file", err)
	}

	if err := WriteOBJ(f, mesh); err != nil {
		f.Close()
		return model.NewError(model.KindExport, "write obj", err)
	}
	if err := f.Close(); err != nil {
		return model.NewError(model.KindExport, "write obj", err)
	}
	return nil
}

// Verify 重新解析导出的文件，顶点数、面数与颜色需与 mesh 一致
func (e *ObjExporter) Verify(mesh *model.Mesh, src *Artifact) error {
	f, err := os.Open(src.Path)
	if err != nil {
		return model.NewError(model.KindExport, "verify obj", err)
	}
	defer f.Close()

	parsed, err := ParseOBJ(f)
	if err != nil {
		return model.NewError(model.KindExport, "verify obj", err)
	}
	if len(parsed.Vertices) != len(mesh.Vertices) || len(parsed.Faces) != len(mesh.Faces) {
		return model.Errorf(model.KindExport, "verify obj",
			"file has %d vertices and %d faces, mesh has %d and %d",
			len(parsed.Vertices), len(parsed.Faces), len(mesh.Vertices), len(mesh.Faces))
	}
	if parsed.HasVertexColors() != mesh.HasVertexColors() {
		return model.Errorf(model.KindExport, "verify obj", "vertex colors were not written")
	}
	return nil
}

// ValidateMesh 至少一个顶点与一个面，面索引在范围内
func ValidateMesh(mesh *model.Mesh) error {
	if mesh.Empty() {
		return fmt.Errorf("mesh is empty")
	}
	if len(mesh.VertexColors) > 0 && !mesh.HasVertexColors() {
		return fmt.Errorf("mesh has %d vertex colors for %d vertices", len(mesh.VertexColors), len(mesh.Vertices))
	}
	n := len(mesh.Vertices)
	for i, face := range mesh.Faces {
		for _, idx := range face {
			if idx < 0 || idx >= n {
				return fmt.Errorf("face %d references vertex %d, mesh has %d vertices", i, idx, n)
			}
		}
	}
	return nil
}

// WriteOBJ 顶点颜色写在 v 行的 xyz 之后，面索引从 1 开始
func WriteOBJ(w io.Writer, mesh *model.Mesh) error {
	bw := bufio.NewWriter(w)
	colored := mesh.HasVertexColors()

	for i, v := range mesh.Vertices {
		bw.WriteString("v ")
		writeFloats(bw, v[:])
		if colored {
			bw.WriteByte(' ')
			writeFloats(bw, mesh.VertexColors[i][:])
		}
		bw.WriteByte('\n')
	}
	for _, f := range mesh.Faces {
		fmt.Fprintf(bw, "f %d %d %d\n", f[0]+1, f[1]+1, f[2]+1)
	}
	return bw.Flush()
}

func writeFloats(bw *bufio.Writer, vals []float64) {
	for i, v := range vals {
		if i > 0 {
			bw.WriteByte(' ')
		}
		bw.WriteString(strconv.FormatFloat(v, 'f', 8, 64))
	}
}

// ParseOBJ 读取 WriteOBJ 写出的子集：v (可带颜色) 与三角形 f，忽略其他指令
func ParseOBJ(r io.Reader) (*model.Mesh, error) {
	mesh := &model.Mesh{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		switch fields[0] {
		case "v":
			if len(fields) != 4 && len(fields) != 7 {
				return nil, fmt.Errorf("line %d: vertex needs 3 or 6 values", line)
			}
			vals, err := parseFloats(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			mesh.Vertices = append(mesh.Vertices, [3]float64{vals[0], vals[1], vals[2]})
			if len(vals) == 6 {
				mesh.VertexColors = append(mesh.VertexColors, [3]float64{vals[3], vals[4], vals[5]})
			}
		case "f":
			if len(fields) != 4 {
				return nil, fmt.Errorf("line %d: only triangle faces are supported", line)
			}
			var face [3]int
			for i, tok := range fields[1:] {
				// v/vt/vn 只取顶点索引
				idx, err := strconv.Atoi(strings.SplitN(tok, "/", 2)[0])
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				if idx < 0 {
					idx = len(mesh.Vertices) + idx + 1
				}
				face[i] = idx - 1
			}
			mesh.Faces = append(mesh.Faces, face)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := ValidateMesh(mesh); err != nil {
		return nil, err
	}
	return mesh, nil
}

func parseFloats(tokens []string) ([]float64, error) {
	out := make([]float64, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
