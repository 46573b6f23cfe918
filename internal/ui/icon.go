package ui

// iconBytes is a 1x1 PNG placeholder; platforms that require an icon get
// something valid, real artwork can replace it later.
var iconBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x64, 0x60, 0xf8, 0xcf,
	0x00, 0x08, 0x00, 0x00, 0xff, 0xff, 0x03, 0x03,
	0x01, 0x01, 0x26, 0x9d, 0x41, 0x70, 0x00, 0x00,
	0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42,
	0x60, 0x82,
}
