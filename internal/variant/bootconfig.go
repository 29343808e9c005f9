package variant

import "strings"

const (
	// DefaultDeviceTree is the device tree the child builder renders into
	// extlinux.conf.
	DefaultDeviceTree = "rk3588s-orangepi-5.dtb"

	sataOverlay = "rk3588-ssd-sata0.dtbo"
	boardPrefix = "orangepi_"
)

// Board strips the vendor prefix off an rkloader model name, e.g.
// orangepi_5_plus becomes 5_plus.
func Board(model string) string {
	return strings.TrimPrefix(model, boardPrefix)
}

// DeviceTree returns the device tree blob for model. Every model maps to
// one of three files.
func DeviceTree(model string) string {
	switch Board(model) {
	case "5b":
		return "rk3588s-orangepi-5b.dtb"
	case "5_plus":
		return "rk3588-orangepi-5-plus.dtb"
	default:
		return DefaultDeviceTree
	}
}

// NeedsSATAOverlay reports whether the model boots with the M.2 slot
// switched to SATA.
func NeedsSATAOverlay(model string) bool {
	return Board(model) == "5_sata"
}

// OverlayPath is the SATA overlay shipped by the given kernel package.
func OverlayPath(kernel string) string {
	return "/dtbs/" + kernel + "/rockchip/overlay/" + sataOverlay
}

// RenderBootConfig adapts the extlinux.conf template to model. The
// default device tree is swapped for DeviceTree(model), and every
// "\tFDTOVERLAYS\t<kernel>" placeholder line is either pointed at the
// kernel's SATA overlay or removed.
func RenderBootConfig(template, model string, kernels []string) string {
	text := strings.ReplaceAll(template, DefaultDeviceTree, DeviceTree(model))

	placeholders := make(map[string]string, len(kernels))
	for _, k := range kernels {
		placeholders["\tFDTOVERLAYS\t"+k] = k
	}
	sata := NeedsSATAOverlay(model)

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		kernel, ok := placeholders[line]
		if !ok {
			out = append(out, line)
			continue
		}
		if sata {
			out = append(out, "\tFDTOVERLAYS\t"+OverlayPath(kernel))
		}
	}
	return strings.Join(out, "\n")
}
