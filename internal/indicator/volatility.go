package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// SampleStdDev 计算样本标准差（n-1 自由度），不足两个样本时返回0。
// talib 给出总体标准差，先去均值避免平方和相减的精度损失，再做自由度修正。
func SampleStdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	mean := Mean(values)
	centered := make([]float64, n)
	for i, v := range values {
		centered[i] = v - mean
	}

	out := talib.StdDev(centered, n, 1)
	population := Last(out)
	if math.IsNaN(population) || population <= 0 {
		return 0
	}
	return population * math.Sqrt(float64(n)/float64(n-1))
}

// RelativeVolBps 计算末尾 window 个价格的样本标准差相对 ref 的基点值。
func RelativeVolBps(prices []float64, window int, ref float64) float64 {
	return Bps(SampleStdDev(SliceTail(prices, window)), ref)
}
