package indicator

import "math"

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// SliceTail 返回序列末尾 n 个值，不足时返回全部。
func SliceTail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if len(values) <= n {
		dst := make([]float64, len(values))
		copy(dst, values)
		return dst
	}
	dst := make([]float64, n)
	copy(dst, values[len(values)-n:])
	return dst
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Mean 返回算术平均，空序列为0。
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SumHead 返回前 n 个值之和，不足时累加全部。
func SumHead(values []float64, n int) float64 {
	if n > len(values) {
		n = len(values)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += values[i]
	}
	return sum
}

// Bps 将相对变化换算为基点。
func Bps(delta, base float64) float64 {
	return SafeDivide(delta, base) * 1e4
}
