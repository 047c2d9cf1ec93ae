package model

// SceneCode 重建模型对单张图片产生的不透明编码
type SceneCode struct {
	ID      string `json:"id,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Mesh 三角网格
type Mesh struct {
	Vertices     [][3]float64 `json:"vertices"`
	Faces        [][3]int     `json:"faces"`
	VertexColors [][3]float64 `json:"vertex_colors,omitempty"` // [0,1]
}

// HasVertexColors 每个顶点都有颜色时为 true
func (m *Mesh) HasVertexColors() bool {
	return len(m.VertexColors) > 0 && len(m.VertexColors) == len(m.Vertices)
}

// Empty 没有顶点或没有面
func (m *Mesh) Empty() bool {
	return m == nil || len(m.Vertices) == 0 || len(m.Faces) == 0
}
