// internal/discovery/usb/database.go
package usb

import "github.com/google/gousb"

// DeviceDatabase names the USB bridges boards are known to ship with
type DeviceDatabase struct {
	vendors map[gousb.ID]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[gousb.ID]string
}

// NewDeviceDatabase creates and initializes the device database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		vendors: make(map[gousb.ID]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

func (db *DeviceDatabase) initializeDatabase() {
	db.AddVendor(0x2341, &VendorInfo{Name: "Arduino SA"})
	db.AddProduct(0x2341, 0x0001, "Uno")
	db.AddProduct(0x2341, 0x0043, "Uno R3")

	db.AddVendor(0x2A03, &VendorInfo{Name: "Arduino Srl"})
	db.AddProduct(0x2A03, 0x0043, "Uno R3")

	// USB-serial bridge chips used on Microduino core boards
	db.AddVendor(0x1A86, &VendorInfo{Name: "QinHeng Electronics"})
	db.AddProduct(0x1A86, 0x7523, "CH340 serial")

	db.AddVendor(0x0403, &VendorInfo{Name: "Future Technology Devices International"})
	db.AddProduct(0x0403, 0x6001, "FT232 serial")

	db.AddVendor(0x10C4, &VendorInfo{Name: "Silicon Labs"})
	db.AddProduct(0x10C4, 0xEA60, "CP210x serial")
}

// GetVendorInfo retrieves vendor information
func (db *DeviceDatabase) GetVendorInfo(vendorID gousb.ID) *VendorInfo {
	return db.vendors[vendorID]
}

// Describe returns a display name for a vendor/product pair
func (db *DeviceDatabase) Describe(vendorID, productID gousb.ID) (string, bool) {
	vendor := db.vendors[vendorID]
	if vendor == nil {
		return "", false
	}
	if product, ok := vendor.products[productID]; ok {
		return vendor.Name + " " + product, true
	}
	return vendor.Name, true
}

// AddVendor adds a new vendor to the database
func (db *DeviceDatabase) AddVendor(vendorID gousb.ID, info *VendorInfo) {
	if info.products == nil {
		info.products = make(map[gousb.ID]string)
	}
	db.vendors[vendorID] = info
}

// AddProduct adds a new product to an existing vendor
func (db *DeviceDatabase) AddProduct(vendorID, productID gousb.ID, name string) {
	if vendor, exists := db.vendors[vendorID]; exists {
		vendor.products[productID] = name
	}
}
