// Package regions maps Russian region names to the portal instances
// serving them. Some regions run several independent servers
// (Sverdlovsk, Irkutsk, Rostov); those are not listed and need an
// explicit URL.
package regions

import (
	"sort"
	"strings"
)

// directory is sorted alphabetically by region name.
var directory = map[string]string{
	"Алтайский край":                    "https://netschool.edu22.info",
	"Амурская область":                  "https://region.obramur.ru",
	"Забайкальский край":                "https://region.zabedu.ru",
	"Калужская область":                 "https://edu.admoblkaluga.ru:444",
	"Камчатский край":                   "https://school.sgo41.ru",
	"Костромская область":               "https://netschool.eduportal44.ru",
	"Краснодарский край":                "https://sgo.rso23.ru",
	"Ленинградская область":             "https://e-school.obr.lenreg.ru",
	"Приморский край":                   "https://sgo.prim-edu.ru",
	"Республика Алтай":                  "https://sgo.altaiobr04.ru",
	"Республика Бурятия":                "https://deti.obr03.ru",
	"Республика Ингушетия":              "https://sgo.edu-ri.ru",
	"Республика Коми":                   "https://giseo.rkomi.ru",
	"Республика Марий Эл":               "https://sgo.mari-el.gov.ru",
	"Республика Мордовия":               "https://sgo.e-mordovia.ru",
	"Республика Саха (Якутия)":          "https://sgo.e-yakutia.ru",
	"Рязанская область":                 "https://e-school.ryazan.gov.ru",
	"Самарская область":                 "https://asurso.ru",
	"Сахалинская область":               "https://netcity.admsakhalin.ru:11111",
	"Тверская область":                  "https://sgo.tvobr.ru",
	"Томская область":                   "https://sgo.tomedu.ru",
	"Ульяновская область":               "https://sgo.cit73.ru",
	"Челябинская область":               "https://sgo.edu-74.ru",
	"Черноголовка":                      "https://journal.nschg.ru",
	"Чувашская Республика":              "http://net-school.cap.ru",
	"Ямало-Ненецкий автономный округ":   "https://sgo.yanao.ru",
}

// List returns the known region names, sorted.
func List() []string {
	names := make([]string, 0, len(directory))
	for name := range directory {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetURL resolves a region name to its portal URL. Matching is
// case-insensitive: an exact name wins, otherwise a substring that
// matches exactly one region. Ambiguous or unknown queries return
// false.
func GetURL(query string) (string, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return "", false
	}

	for name, url := range directory {
		if strings.ToLower(name) == q {
			return url, true
		}
	}

	var match string
	var hits int
	for name, url := range directory {
		if strings.Contains(strings.ToLower(name), q) {
			match = url
			hits++
		}
	}
	if hits == 1 {
		return match, true
	}
	return "", false
}
