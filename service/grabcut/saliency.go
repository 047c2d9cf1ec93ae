package grabcut

import (
	"image"

	"gocv.io/x/gocv"
)

// detectSaliency 梯度幅值经大核模糊后 Otsu 二值化，得到粗略的主体区域
func detectSaliency(img *gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)

	gradX := gocv.NewMat()
	defer gradX.Close()
	gradY := gocv.NewMat()
	defer gradY.Close()
	gocv.Sobel(gray, &gradX, gocv.MatTypeCV16S, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &gradY, gocv.MatTypeCV16S, 0, 1, 3, 1, 0, gocv.BorderDefault)

	absX := gocv.NewMat()
	defer absX.Close()
	absY := gocv.NewMat()
	defer absY.Close()
	gocv.ConvertScaleAbs(gradX, &absX, 1, 0)
	gocv.ConvertScaleAbs(gradY, &absY, 1, 0)

	magnitude := gocv.NewMat()
	defer magnitude.Close()
	gocv.AddWeighted(absX, 0.5, absY, 0.5, 0, &magnitude)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(magnitude, &blurred, image.Point{X: 21, Y: 21}, 0, 0, gocv.BorderDefault)

	out := gocv.NewMat()
	gocv.Threshold(blurred, &out, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	return out
}

// initMask 边框为确定背景，显著区域为可能前景，其余为可能背景
// 显著区域为空时第二个返回值为 false
func initMask(saliency *gocv.Mat, width, height int) (gocv.Mat, bool) {
	mask := gocv.NewMatWithSizeFromScalar(gocv.Scalar{Val1: gcPrBGD}, height, width, gocv.MatTypeCV8U)

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 11, Y: 11})
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(*saliency, &dilated, kernel)

	if gocv.CountNonZero(dilated) == 0 {
		return mask, false
	}

	probable := gocv.NewMatWithSizeFromScalar(gocv.Scalar{Val1: gcPrFGD}, height, width, gocv.MatTypeCV8U)
	defer probable.Close()
	probable.CopyToWithMask(&mask, dilated)

	border := max(1, int(float64(width)*0.03))
	for _, r := range []image.Rectangle{
		image.Rect(0, 0, width, min(border, height)),
		image.Rect(0, max(0, height-border), width, height),
		image.Rect(0, 0, min(border, width), height),
		image.Rect(max(0, width-border), 0, width, height),
	} {
		region := mask.Region(r)
		region.SetTo(gocv.Scalar{Val1: gcBGD})
		region.Close()
	}

	return mask, true
}
