// Color space conversion functions for JPEG 2000
//
// This file implements color space conversions from the 19 enumerated colorspaces
// defined in ISO/IEC 15444-1 Annex M to sRGB for display. The conversions are
// applied automatically during decoding when a JP2 file specifies a non-sRGB
// colorspace in its Color Specification Box (colr).
//
// # Supported Colorspaces
//
// The following colorspace families are supported:
//
//   - YCbCr variants (enumcs 1, 3, 4, 18, 24): ITU-R BT.601 and BT.709 matrices
//   - CMY/CMYK (enumcs 11, 12): Subtractive color models
//   - YCCK (enumcs 13): PhotoYCC-based CMYK
//   - CIE colorspaces (enumcs 14, 19): L*a*b* and J*a*b* with D50 illuminant
//   - Extended gamut (enumcs 20, 21): e-sRGB and ROMM-RGB (ProPhoto)
//   - Video colorspaces (enumcs 9, 22, 23): PhotoYCC and YPbPr
//
// # Color Conversion Pipeline
//
// For images with non-sRGB colorspaces, the decoder applies:
//
//  1. Inverse wavelet transform (DWT)
//  2. Inverse multi-component transform (MCT) if used during encoding
//  3. DC level shift
//  4. Colorspace conversion to sRGB (this file)
//  5. Output image creation
//
// # Precision Handling
//
// All conversion functions work with arbitrary bit precision (1-16 bits).
// The precision parameter indicates the number of bits per component, and
// values are scaled appropriately. For example, at 8-bit precision, the
// maximum value is 255; at 12-bit, it's 4095.
//
// # References
//
//   - ISO/IEC 15444-1:2019 Annex M - Enumerated colorspace definitions
//   - ITU-R BT.601-7 - Studio encoding for standard definition
//   - ITU-R BT.709-6 - Studio encoding for high definition
//   - IEC 61966-2-1 - sRGB color space
//   - ISO 22028-2 - ROMM RGB color space (ProPhoto)

package jpeg2000

import "math"

// colorConversion converts component data in-place from a source color
// space to sRGB.
type colorConversion func(componentData [][]int32, precision int)

// getColorConversion returns the conversion for cs, or nil if cs is
// already sRGB/gray/unspecified and needs no conversion.
func getColorConversion(cs ColorSpace) colorConversion {
	switch cs {
	case ColorSpaceSYCC:
		return convertSYCCToRGB
	case ColorSpaceYCbCr2, ColorSpaceYCbCr3:
		return convertYCbCr601ToRGB // BT.601-5, 625- and 525-line share a matrix
	case ColorSpacePhotoYCC:
		return convertPhotoYCCToRGB
	case ColorSpaceCMY:
		return convertCMYToRGB
	case ColorSpaceCMYK:
		return convertCMYKToRGB
	case ColorSpaceYCCK:
		return convertYCCKToRGB
	case ColorSpaceCIELab:
		return convertCIELabToRGB
	case ColorSpaceCIEJab:
		return convertCIEJabToRGB
	case ColorSpaceESRGB:
		return convertESRGBToRGB
	case ColorSpaceROMMRGB:
		return convertROMMRGBToRGB
	case ColorSpaceYPbPr60, ColorSpaceYPbPr50:
		return convertYPbPr709ToRGB // both resolutions share BT.709's matrix
	case ColorSpaceEYCC:
		return convertEYCCToRGB
	default:
		return nil
	}
}

// ycbcrMatrix is an inverse Y'CbCr-family matrix: R = Y + crR*Cr,
// G = Y - cbG*Cb - crG*Cr, B = Y + cbB*Cb. sYCC, BT.709 YPbPr and
// e-sYCC all use the identical BT.709 coefficients; BT.601 YCbCr uses
// its own. Centering every source variant through this one helper
// keeps the four call sites from drifting out of sync with each other.
func ycbcrMatrix(componentData [][]int32, precision int, crR, cbG, crG, cbB float64) {
	if len(componentData) < 3 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)
	halfVal := float64(int32(1) << (precision - 1))

	for i := range componentData[0] {
		y := float64(componentData[0][i])
		cb := float64(componentData[1][i]) - halfVal
		cr := float64(componentData[2][i]) - halfVal

		r := y + crR*cr
		g := y - cbG*cb - crG*cr
		b := y + cbB*cb

		componentData[0][i] = clampToInt32(r, 0, maxVal)
		componentData[1][i] = clampToInt32(g, 0, maxVal)
		componentData[2][i] = clampToInt32(b, 0, maxVal)
	}
}

// ITU-R BT.709-5 inverse Y'CbCr matrix coefficients, shared by sYCC,
// YPbPr (both field rates), and e-sYCC.
const bt709CrR, bt709CbG, bt709CrG, bt709CbB = 1.5748, 0.1873, 0.4681, 1.8556

// convertSYCCToRGB converts sYCC (sRGB primaries, BT.709 matrix) to sRGB.
func convertSYCCToRGB(componentData [][]int32, precision int) {
	ycbcrMatrix(componentData, precision, bt709CrR, bt709CbG, bt709CrG, bt709CbB)
}

// convertYCbCr601ToRGB converts YCbCr (ITU-R BT.601-5) to sRGB, for
// both YCbCr(2) (625-line) and YCbCr(3) (525-line).
func convertYCbCr601ToRGB(componentData [][]int32, precision int) {
	ycbcrMatrix(componentData, precision, 1.402, 0.344136, 0.714136, 1.772)
}

// convertYPbPr709ToRGB converts YPbPr (HD video, BT.709) to sRGB.
func convertYPbPr709ToRGB(componentData [][]int32, precision int) {
	ycbcrMatrix(componentData, precision, bt709CrR, bt709CbG, bt709CrG, bt709CbB)
}

// convertEYCCToRGB converts e-sYCC (extended-gamut sYCC) to sRGB using
// the same BT.709 matrix as plain sYCC; only the source encoding's
// permitted value range differs, which clamping below already handles.
func convertEYCCToRGB(componentData [][]int32, precision int) {
	ycbcrMatrix(componentData, precision, bt709CrR, bt709CbG, bt709CrG, bt709CbB)
}

// yccToLinear inverts the Kodak PhotoYCC transform shared by PhotoYCC
// and YCCK: Y in [0, 255*1.402] and C1/C2 with their 156 offset already
// removed, all on the 8-bit scale (callers divide by scale before
// calling and multiply the results back afterwards).
func yccToLinear(y, c1, c2 float64) (r, g, b float64) {
	r = y + 1.3584*c2
	g = y - 0.4302*c1 - 0.7915*c2
	b = y + 2.2179*c1
	return r, g, b
}

// convertPhotoYCCToRGB converts Kodak PhotoYCC to sRGB.
func convertPhotoYCCToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 3 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)
	scale := maxVal / 255.0

	for i := range componentData[0] {
		y := float64(componentData[0][i]) / scale
		c1 := float64(componentData[1][i])/scale - 156.0
		c2 := float64(componentData[2][i])/scale - 156.0

		r, g, b := yccToLinear(y, c1, c2)

		componentData[0][i] = clampToInt32(r*scale, 0, maxVal)
		componentData[1][i] = clampToInt32(g*scale, 0, maxVal)
		componentData[2][i] = clampToInt32(b*scale, 0, maxVal)
	}
}

// convertCMYToRGB converts CMY to sRGB: R = 1-C, G = 1-M, B = 1-Y.
func convertCMYToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 3 {
		return
	}

	maxVal := int32(1)<<precision - 1

	for i := range componentData[0] {
		c, m, y := componentData[0][i], componentData[1][i], componentData[2][i]
		componentData[0][i] = maxVal - c
		componentData[1][i] = maxVal - m
		componentData[2][i] = maxVal - y
	}
}

// convertCMYKToRGB converts CMYK to sRGB via the standard formula
// R = (1-C)(1-K), discarding K afterward.
func convertCMYKToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 4 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)

	for i := range componentData[0] {
		c := float64(componentData[0][i]) / maxVal
		m := float64(componentData[1][i]) / maxVal
		y := float64(componentData[2][i]) / maxVal
		k := float64(componentData[3][i]) / maxVal

		componentData[0][i] = clampToInt32((1-c)*(1-k)*maxVal, 0, maxVal)
		componentData[1][i] = clampToInt32((1-m)*(1-k)*maxVal, 0, maxVal)
		componentData[2][i] = clampToInt32((1-y)*(1-k)*maxVal, 0, maxVal)
		// the 4th (K) component has no sRGB counterpart and is dropped
	}
}

// convertYCCKToRGB converts YCCK (PhotoYCC chroma plus a K channel) to
// sRGB: first undo the PhotoYCC transform, then apply K as in CMYK.
func convertYCCKToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 4 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)
	scale := maxVal / 255.0

	for i := range componentData[0] {
		y := float64(componentData[0][i]) / scale
		c1 := float64(componentData[1][i])/scale - 156.0
		c2 := float64(componentData[2][i])/scale - 156.0
		k := float64(componentData[3][i]) / maxVal

		r, g, b := yccToLinear(y, c1, c2)
		r *= scale * (1 - k)
		g *= scale * (1 - k)
		b *= scale * (1 - k)

		componentData[0][i] = clampToInt32(r, 0, maxVal)
		componentData[1][i] = clampToInt32(g, 0, maxVal)
		componentData[2][i] = clampToInt32(b, 0, maxVal)
	}
}

// xyzToLinearSRGB converts CIE XYZ to linear (un-gamma-corrected) sRGB
// via the standard D65 XYZ-to-sRGB matrix. Callers with a D50 source
// white point (Lab, Jab, ROMM-RGB below) pass their D50-referred XYZ in
// unchanged: no chromatic adaptation is applied, so D50 white comes out
// slightly warm rather than neutral.
func xyzToLinearSRGB(x, y, z float64) (r, g, b float64) {
	r = 3.2404542*x - 1.5371385*y - 0.4985314*z
	g = -0.9692660*x + 1.8760108*y + 0.0415560*z
	b = 0.0556434*x - 0.2040259*y + 1.0572252*z
	return r, g, b
}

// labToXYZ inverts the CIE L*a*b* encoding (D50 white point) to XYZ.
func labToXYZ(l, a, b float64) (x, y, z float64) {
	const xn, yn, zn = 0.96422, 1.0, 0.82521
	fy := (l + 16.0) / 116.0
	fx := a/500.0 + fy
	fz := fy - b/200.0
	return xn * labInverseF(fx), yn * labInverseF(fy), zn * labInverseF(fz)
}

// convertCIELabToRGB converts CIE L*a*b* (D50) to sRGB via XYZ.
func convertCIELabToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 3 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)

	for i := range componentData[0] {
		// L* is [0, 100], a* and b* are approximately [-128, 127]
		l := float64(componentData[0][i]) / maxVal * 100.0
		a := float64(componentData[1][i])/maxVal*255.0 - 128.0
		b := float64(componentData[2][i])/maxVal*255.0 - 128.0

		x, y, z := labToXYZ(l, a, b)
		rLin, gLin, bLin := xyzToLinearSRGB(x, y, z)

		componentData[0][i] = clampToInt32(srgbGamma(rLin)*maxVal, 0, maxVal)
		componentData[1][i] = clampToInt32(srgbGamma(gLin)*maxVal, 0, maxVal)
		componentData[2][i] = clampToInt32(srgbGamma(bLin)*maxVal, 0, maxVal)
	}
}

// labInverseF is the inverse of the Lab f function.
func labInverseF(t float64) float64 {
	const delta = 6.0 / 29.0
	if t > delta {
		return t * t * t
	}
	return 3 * delta * delta * (t - 4.0/29.0)
}

// srgbGamma applies the sRGB gamma curve to a linear sample.
func srgbGamma(linear float64) float64 {
	if linear <= 0.0031308 {
		return 12.92 * linear
	}
	return 1.055*math.Pow(linear, 1.0/2.4) - 0.055
}

// srgbInverseGamma removes the sRGB gamma curve.
func srgbInverseGamma(encoded float64) float64 {
	if encoded <= 0.04045 {
		return encoded / 12.92
	}
	return math.Pow((encoded+0.055)/1.055, 2.4)
}

// convertCIEJabToRGB converts CIE J*a*b* (CIECAM02) to sRGB. Lacking
// the viewing-condition parameters CIECAM02 needs for an exact inverse,
// J is treated as an approximation of L* and routed through the same
// Lab-to-XYZ path as convertCIELabToRGB.
func convertCIEJabToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 3 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)

	for i := range componentData[0] {
		j := float64(componentData[0][i]) / maxVal * 100.0
		a := float64(componentData[1][i])/maxVal*255.0 - 128.0
		b := float64(componentData[2][i])/maxVal*255.0 - 128.0

		x, y, z := labToXYZ(j, a, b)
		rLin, gLin, bLin := xyzToLinearSRGB(x, y, z)

		componentData[0][i] = clampToInt32(srgbGamma(rLin)*maxVal, 0, maxVal)
		componentData[1][i] = clampToInt32(srgbGamma(gLin)*maxVal, 0, maxVal)
		componentData[2][i] = clampToInt32(srgbGamma(bLin)*maxVal, 0, maxVal)
	}
}

// convertESRGBToRGB converts e-sRGB (extended-range sRGB) to sRGB.
// e-sRGB encodes linear values outside [0,1] as
// encoded = (linear + 0.25) / 1.25; values outside the displayable
// gamut are clamped before the gamma curve is applied.
func convertESRGBToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 3 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)

	for i := range componentData[0] {
		r := float64(componentData[0][i])/maxVal*1.25 - 0.25
		g := float64(componentData[1][i])/maxVal*1.25 - 0.25
		b := float64(componentData[2][i])/maxVal*1.25 - 0.25

		componentData[0][i] = clampToInt32(srgbGamma(clampFloat64(r, 0, 1))*maxVal, 0, maxVal)
		componentData[1][i] = clampToInt32(srgbGamma(clampFloat64(g, 0, 1))*maxVal, 0, maxVal)
		componentData[2][i] = clampToInt32(srgbGamma(clampFloat64(b, 0, 1))*maxVal, 0, maxVal)
	}
}

// convertROMMRGBToRGB converts ROMM-RGB (ProPhoto RGB, D50, wider
// gamut than sRGB) to sRGB.
func convertROMMRGBToRGB(componentData [][]int32, precision int) {
	if len(componentData) < 3 {
		return
	}

	maxVal := float64(int32(1)<<precision - 1)

	for i := range componentData[0] {
		// ROMM's own gamma (simplified to a flat 1.8)
		rRomm := math.Pow(float64(componentData[0][i])/maxVal, 1.8)
		gRomm := math.Pow(float64(componentData[1][i])/maxVal, 1.8)
		bRomm := math.Pow(float64(componentData[2][i])/maxVal, 1.8)

		// ROMM-RGB to XYZ (D50)
		x := 0.7977*rRomm + 0.1352*gRomm + 0.0313*bRomm
		y := 0.2880*rRomm + 0.7119*gRomm + 0.0001*bRomm
		z := 0.0000*rRomm + 0.0000*gRomm + 0.8249*bRomm

		rLin, gLin, bLin := xyzToLinearSRGB(x, y, z)

		componentData[0][i] = clampToInt32(srgbGamma(clampFloat64(rLin, 0, 1))*maxVal, 0, maxVal)
		componentData[1][i] = clampToInt32(srgbGamma(clampFloat64(gLin, 0, 1))*maxVal, 0, maxVal)
		componentData[2][i] = clampToInt32(srgbGamma(clampFloat64(bLin, 0, 1))*maxVal, 0, maxVal)
	}
}

// clampToInt32 clamps v to [min,max] and rounds to the nearest int32.
func clampToInt32(v, min, max float64) int32 {
	if v < min {
		return int32(min)
	}
	if v > max {
		return int32(max)
	}
	return int32(v + 0.5)
}

// clampFloat64 clamps v to [min,max].
func clampFloat64(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
