package ml

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Matrix is a dense row-major matrix whose backing slice is shared with a
// gonum Dense. Network tensors use the [units, batch] layout: one example per
// column.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// ShapeError reports a dimension mismatch. It is raised with panic: a shape
// mismatch inside the engine is a construction bug, not a runtime condition.
type ShapeError struct {
	Op   string
	Want [2]int
	Got  [2]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("ml: shape mismatch in %s: want [%d, %d], got [%d, %d]",
		e.Op, e.Want[0], e.Want[1], e.Got[0], e.Got[1])
}

func shapePanic(op string, wantR, wantC, gotR, gotC int) {
	panic(&ShapeError{Op: op, Want: [2]int{wantR, wantC}, Got: [2]int{gotR, gotC}})
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	data := make([]float64, rows*cols)
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromSlice wraps data without copying it.
func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("ml: slice length %d does not match [%d, %d]", len(data), rows, cols))
	}

	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromRows copies a row-major [][]float64 into a new matrix.
func NewMatrixFromRows(rows [][]float64) *Matrix {
	if len(rows) == 0 {
		panic("ml: NewMatrixFromRows needs at least one row")
	}
	m := NewMatrix(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != m.cols {
			shapePanic("NewMatrixFromRows", 1, m.cols, 1, len(row))
		}
		copy(m.data[i*m.cols:], row)
	}
	return m
}

// ------- MATRIX METHODS ------ //
func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }

func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

func (m *Matrix) At(i, j int) float64 { return m.dense.At(i, j) }

func (m *Matrix) Set(i, j int, v float64) { m.dense.Set(i, j, v) }

// Data exposes the backing slice. Writes are visible through the matrix.
func (m *Matrix) Data() []float64 { return m.data }

// Dense exposes the gonum view sharing the same storage.
func (m *Matrix) Dense() *mat.Dense { return m.dense }

func (m *Matrix) SameShape(b *Matrix) bool {
	return m.rows == b.rows && m.cols == b.cols
}

func (m *Matrix) Clone() *Matrix {
	out := NewMatrix(m.rows, m.cols)
	copy(out.data, m.data)
	return out
}

// Column returns a copy of column j.
func (m *Matrix) Column(j int) []float64 {
	return mat.Col(nil, j, m.dense)
}

func (m *Matrix) GobEncode() ([]byte, error) {
	w := new(bytes.Buffer)
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(m.rows); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.cols); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.data); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (m *Matrix) GobDecode(buf []byte) error {
	r := bytes.NewBuffer(buf)
	decoder := gob.NewDecoder(r)
	if err := decoder.Decode(&m.rows); err != nil {
		return err
	}
	if err := decoder.Decode(&m.cols); err != nil {
		return err
	}
	if err := decoder.Decode(&m.data); err != nil {
		return err
	}
	if m.rows <= 0 || m.cols <= 0 || len(m.data) != m.rows*m.cols {
		return fmt.Errorf("ml: decoded %d values for a [%d, %d] matrix", len(m.data), m.rows, m.cols)
	}

	// Re-create the wrapper after loading data
	m.dense = mat.NewDense(m.rows, m.cols, m.data)

	return nil
}

// RandomizeNormal fills m with scale * N(0, 1) draws from src.
func (m *Matrix) RandomizeNormal(scale float64, src rand.Source) {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	for i := range m.data {
		m.data[i] = scale * normal.Rand()
	}
}

func (m *Matrix) Reset() {
	for i := range m.data {
		m.data[i] = 0.0
	}
}

func (m *Matrix) Add(b *Matrix) {
	m.dense.Add(m.dense, b.dense)
}

func (m *Matrix) Subtract(b *Matrix) {
	m.dense.Sub(m.dense, b.dense)
}

// AddColumnVector broadcasts a [rows, 1] vector across every column.
func (m *Matrix) AddColumnVector(v *Matrix) {
	if v.rows != m.rows || v.cols != 1 {
		shapePanic("AddColumnVector", m.rows, 1, v.rows, v.cols)
	}
	for i := 0; i < m.rows; i++ {
		bias := v.data[i]
		row := m.data[i*m.cols : (i+1)*m.cols]
		for j := range row {
			row[j] += bias
		}
	}
}

// MulElem is the in-place Hadamard product m = m ⊙ b.
func (m *Matrix) MulElem(b *Matrix) {
	if !m.SameShape(b) {
		shapePanic("MulElem", m.rows, m.cols, b.rows, b.cols)
	}
	m.dense.MulElem(m.dense, b.dense)
}

func (m *Matrix) Scale(f float64) {
	floats.Scale(f, m.data)
}

func (m *Matrix) ApplyFunc(fn func(float64) float64) {
	for i := range m.data {
		m.data[i] = fn(m.data[i])
	}
}

// SumRowsInto writes the sum of each row of m into out, a [rows, 1] matrix.
func (m *Matrix) SumRowsInto(out *Matrix) {
	if out.rows != m.rows || out.cols != 1 {
		shapePanic("SumRowsInto", m.rows, 1, out.rows, out.cols)
	}
	for i := 0; i < m.rows; i++ {
		out.data[i] = floats.Sum(m.dense.RawRowView(i))
	}
}

// SumSquares returns the squared Frobenius norm.
func (m *Matrix) SumSquares() float64 {
	return floats.Dot(m.data, m.data)
}

func (m *Matrix) String() string {
	return fmt.Sprintf("%v", mat.Formatted(m.dense, mat.Squeeze()))
}

// ------ UTILITY FUNCTIONS ------
func MatMul(a, b mat.Matrix, out *Matrix) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		shapePanic("MatMul", ac, bc, br, bc)
	}
	if out.rows != ar || out.cols != bc {
		shapePanic("MatMul", ar, bc, out.rows, out.cols)
	}
	out.dense.Mul(a, b)
}
