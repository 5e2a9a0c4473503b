// Package fitsexport writes 2D float images as single-HDU FITS files.
//
// Reconstructed virtual images are stored as BITPIX -64 primary images with
// NAXIS1 holding the column count and NAXIS2 the row count. Callers may pass
// extra header cards, such as the annulus radii or the source dataset,
// which are appended after the mandatory keywords. Read decodes files in the
// same layout and is used to verify exports.
package fitsexport
