package service

const (
	countryGlobal  = "Global"
	countryUnknown = "Unknown"
)

// mccCountries maps mobile country codes to the country names used by the
// tariff feed.
var mccCountries = map[int]string{
	202: "Greece",
	204: "Netherlands",
	206: "Belgium",
	208: "France",
	212: "Monaco",
	213: "Andorra",
	214: "Spain",
	216: "Hungary",
	218: "Bosnia and Herzegovina",
	219: "Croatia",
	220: "Serbia",
	222: "Italy",
	226: "Romania",
	228: "Switzerland",
	230: "Czech Republic",
	231: "Slovakia",
	232: "Austria",
	234: "United Kingdom",
	235: "United Kingdom",
	238: "Denmark",
	240: "Sweden",
	242: "Norway",
	244: "Finland",
	246: "Lithuania",
	247: "Latvia",
	248: "Estonia",
	250: "Russia",
	255: "Ukraine",
	257: "Belarus",
	259: "Moldova",
	260: "Poland",
	262: "Germany",
	268: "Portugal",
	270: "Luxembourg",
	272: "Ireland",
	274: "Iceland",
	276: "Albania",
	278: "Malta",
	280: "Cyprus",
	282: "Georgia",
	283: "Armenia",
	284: "Bulgaria",
	286: "Turkey",
	293: "Slovenia",
	294: "North Macedonia",
	297: "Montenegro",
	302: "Canada",
	310: "United States",
	311: "United States",
	312: "United States",
	313: "United States",
	334: "Mexico",
	400: "Azerbaijan",
	401: "Kazakhstan",
	404: "India",
	405: "India",
	410: "Pakistan",
	413: "Sri Lanka",
	414: "Myanmar",
	415: "Lebanon",
	416: "Jordan",
	418: "Iraq",
	419: "Kuwait",
	420: "Saudi Arabia",
	422: "Oman",
	424: "United Arab Emirates",
	425: "Israel",
	426: "Bahrain",
	427: "Qatar",
	428: "Mongolia",
	429: "Nepal",
	434: "Uzbekistan",
	436: "Tajikistan",
	437: "Kyrgyzstan",
	438: "Turkmenistan",
	440: "Japan",
	441: "Japan",
	450: "South Korea",
	452: "Vietnam",
	454: "Hong Kong",
	455: "Macau",
	456: "Cambodia",
	457: "Laos",
	460: "China",
	466: "Taiwan",
	470: "Bangladesh",
	472: "Maldives",
	502: "Malaysia",
	505: "Australia",
	510: "Indonesia",
	515: "Philippines",
	520: "Thailand",
	525: "Singapore",
	530: "New Zealand",
	602: "Egypt",
	603: "Algeria",
	604: "Morocco",
	605: "Tunisia",
	621: "Nigeria",
	639: "Kenya",
	655: "South Africa",
	722: "Argentina",
	724: "Brazil",
	730: "Chile",
	732: "Colombia",
	716: "Peru",
}

// CountryByMCC maps a mobile country code to a country name, or "Unknown".
func CountryByMCC(mcc int) string {
	if name, ok := mccCountries[mcc]; ok {
		return name
	}
	return countryUnknown
}

// countryForMCC resolves the wholesaler's last seen MCC. Identities with no
// known location are labelled "Global".
func countryForMCC(mcc int) (string, bool) {
	if mcc <= 0 {
		return countryGlobal, false
	}
	country := CountryByMCC(mcc)
	if country == countryUnknown {
		return countryGlobal, false
	}
	return country, true
}
