package grabcut

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// foregroundOf GrabCut 掩码中确定前景与可能前景置为 255
func foregroundOf(mask *gocv.Mat) gocv.Mat {
	sure := gocv.NewMat()
	defer sure.Close()
	fgd := gocv.NewMatFromScalar(gocv.Scalar{Val1: gcFGD}, gocv.MatTypeCV8U)
	defer fgd.Close()
	gocv.Compare(*mask, fgd, &sure, gocv.CompareEQ)

	probable := gocv.NewMat()
	defer probable.Close()
	prFgd := gocv.NewMatFromScalar(gocv.Scalar{Val1: gcPrFGD}, gocv.MatTypeCV8U)
	defer prFgd.Close()
	gocv.Compare(*mask, prFgd, &probable, gocv.CompareEQ)

	combined := gocv.NewMat()
	gocv.BitwiseOr(sure, probable, &combined)
	return combined
}

// morphologyOptimize 开运算去噪点，闭运算补空洞
func morphologyOptimize(mask *gocv.Mat, kernelSize int) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: kernelSize, Y: kernelSize})
	defer kernel.Close()

	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(*mask, &opened, gocv.MorphOpen, kernel)

	closed := gocv.NewMat()
	gocv.MorphologyEx(opened, &closed, gocv.MorphClose, kernel)
	return closed
}

// refineEdges 轻微膨胀后模糊再二值化，平滑锯齿
func refineEdges(mask *gocv.Mat) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 3, Y: 3})
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(*mask, &dilated, kernel)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(dilated, &blurred, image.Point{X: 3, Y: 3}, 0, 0, gocv.BorderDefault)

	out := gocv.NewMat()
	gocv.Threshold(blurred, &out, 127, 255, gocv.ThresholdBinary)
	return out
}

// keepLargest 只保留面积最大的连通区域，重建只处理单个主体
func keepLargest(mask *gocv.Mat) gocv.Mat {
	contours := gocv.FindContours(*mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		return mask.Clone()
	}

	maxArea := 0.0
	maxIndex := 0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > maxArea {
			maxArea = area
			maxIndex = i
		}
	}

	out := gocv.NewMatWithSizeFromScalar(gocv.Scalar{}, mask.Rows(), mask.Cols(), gocv.MatTypeCV8U)
	gocv.DrawContours(&out, contours, maxIndex, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	return out
}
