// Package mm holds the numeric types and page-table-entry encoding shared by
// every component that touches physical or virtual memory: MPNs, VPNs,
// linear/virtual addresses, and the PAE PTE bit layout.
package mm

// PageSize is the base (4 KiB) page size of the modeled 32-bit PAE kernel.
const PageSize = 4096

// LargePageSize is the 2 MiB large-page size HeapMgr grows its buddy
// allocators in and XMap maps with a single PDE.
const LargePageSize = 2 * 1024 * 1024

// PTEsPerPDE is the number of 4 KiB pages covered by one large (2 MiB) page.
const PTEsPerPDE = LargePageSize / PageSize

// MPN is a physical page (frame) number.
type MPN uint32

// InvalidMPN is the sentinel for "no frame".
const InvalidMPN MPN = 0xFFFFFFFF

// Valid reports whether m is not the InvalidMPN sentinel.
func (m MPN) Valid() bool { return m != InvalidMPN }

// VPN is a kernel virtual page number.
type VPN uint32

// InvalidVPN is the sentinel for "no page".
const InvalidVPN VPN = 0xFFFFFFFF

// LA is a 32-bit linear address (post-segmentation, pre-paging).
type LA uint32

// VA is a 32-bit kernel virtual address.
type VA uint32

// VPN2VA converts a virtual page number to its base virtual address.
func VPN2VA(vpn VPN) VA { return VA(uint32(vpn) * PageSize) }

// VA2VPN converts a virtual address to its containing page number.
func VA2VPN(va VA) VPN { return VPN(uint32(va) / PageSize) }

// MPN2PA converts a frame number to its base physical address.
func MPN2PA(mpn MPN) uint64 { return uint64(mpn) * PageSize }

// PA2MPN converts a physical address to its containing frame number.
func PA2MPN(pa uint64) MPN { return MPN(pa / PageSize) }
